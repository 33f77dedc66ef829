package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/telegram"
)

// updateListener is implemented by clients that receive Telegram updates.
type updateListener interface {
	Listen(ctx context.Context, handle func(telegram.Message))
}

// TelegramService implements Service on top of the Telegram Bot API.
// Recipients are chat IDs.
type TelegramService struct {
	client    telegram.TelegramSender
	receipts  chan models.Receipt
	responses chan models.Response

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewTelegramService creates a TelegramService wrapping client.
func NewTelegramService(client telegram.TelegramSender) *TelegramService {
	return &TelegramService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient checks that recipient is a chat ID.
func (s *TelegramService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat ID %q", recipient)
	}
	return strconv.FormatInt(id, 10), nil
}

// Start begins long polling when the client supports it.
func (s *TelegramService) Start(ctx context.Context) error {
	l, ok := s.client.(updateListener)
	if !ok {
		slog.Debug("TelegramService.Start: client cannot listen, inbound disabled")
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Listen(ctx, s.forward)
	}()
	return nil
}

// Stop waits for the poller to exit and closes the channels. The context
// passed to Start must be cancelled first.
func (s *TelegramService) Stop() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

func (s *TelegramService) forward(m telegram.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	response := models.Response{
		MessageID: m.UpdateID,
		From:      strconv.FormatInt(m.ChatID, 10),
		Body:      m.Text,
		Time:      m.Time.Unix(),
	}
	if !emit(s.responses, response) {
		slog.Warn("TelegramService responses channel blocked, dropping message", "from", response.From)
	}
}

// SendMessage sends body to the chat ID to and emits a sent receipt.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	chatID, _ := strconv.ParseInt(canonicalTo, 10, 64)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, chatID, body); err != nil {
		return err
	}
	if !emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}) {
		slog.Warn("TelegramService.SendMessage: receipts channel blocked, dropping receipt", "to", canonicalTo)
	}
	return nil
}

// Receipts returns a channel of receipt events.
func (s *TelegramService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming messages.
func (s *TelegramService) Responses() <-chan models.Response {
	return s.responses
}
