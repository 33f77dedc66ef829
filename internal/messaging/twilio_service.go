package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/twiliowhatsapp"
	twilioclient "github.com/twilio/twilio-go/client"
)

// emptyTwiML acknowledges a webhook without an automatic reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	receipts  chan models.Receipt
	responses chan models.Response

	validator  *twilioclient.RequestValidator
	webhookURL string

	mu      sync.RWMutex
	stopped bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhook requests whose X-Twilio-Signature
// does not match authToken. publicURL is the URL Twilio is configured to call.
func WithWebhookValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
		s.webhookURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService wrapping client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number (optionally with a
// "whatsapp:" prefix) to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op; inbound messages arrive through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
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

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage validation error", "error", err, "to", to)
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	if !emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}) {
		slog.Warn("TwilioService.SendMessage: receipts channel blocked, dropping receipt", "to", canonicalTo)
	}
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming messages
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on
// the Responses channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	if !stopped {
		response := models.Response{
			MessageID: r.PostForm.Get("MessageSid"),
			From:      canonicalFrom,
			Body:      body,
			Time:      time.Now().Unix(),
		}
		if !emit(s.responses, response) {
			slog.Warn("TwilioService responses channel blocked, dropping message", "from", canonicalFrom)
		}
	}
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))
}
