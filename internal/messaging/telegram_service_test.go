package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/telegram"
)

// listeningClient is a mock Telegram client that delivers scripted messages.
type listeningClient struct {
	*telegram.MockClient
	inbound []telegram.Message
}

func (c *listeningClient) Listen(ctx context.Context, handle func(telegram.Message)) {
	for _, m := range c.inbound {
		handle(m)
	}
	<-ctx.Done()
}

func TestTelegramService_ValidateRecipient(t *testing.T) {
	svc := NewTelegramService(telegram.NewMockClient())
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"42", "42", true},
		{" -100123 ", "-100123", true},
		{"", "", false},
		{"+34600111222x", "", false},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTelegramService_SendMessage(t *testing.T) {
	mock := telegram.NewMockClient()
	svc := NewTelegramService(mock)

	if err := svc.SendMessage(context.Background(), "42", "seats open"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].ChatID != 42 {
		t.Fatalf("unexpected sent messages: %+v", mock.SentMessages)
	}

	mock.Err = errors.New("blocked by user")
	if err := svc.SendMessage(context.Background(), "42", "again"); err == nil {
		t.Fatal("expected client error to propagate")
	}
}

func TestTelegramService_ForwardsInbound(t *testing.T) {
	client := &listeningClient{
		MockClient: telegram.NewMockClient(),
		inbound:    []telegram.Message{{UpdateID: "10", ChatID: 42, Text: "/add", Time: time.Unix(1714000000, 0)}},
	}
	svc := NewTelegramService(client)
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-svc.Responses():
		if r.From != "42" || r.Body != "/add" || r.MessageID != "10" || r.Time != 1714000000 {
			t.Errorf("unexpected response: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response forwarded")
	}

	cancel()
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "42", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
