// Package telegram wraps the Telegram Bot API client used as SeatWatch's
// default chat back-end.
//
// Inbound messages are received by long polling; outbound messages are plain
// text sent to a chat ID.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultPollTimeout is the long polling timeout in seconds.
const DefaultPollTimeout = 60

// TelegramSender is an interface for sending Telegram messages (for production and testing)
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Message is an inbound text message.
type Message struct {
	// UpdateID identifies the update; Telegram redelivers unacknowledged updates.
	UpdateID string
	ChatID   int64
	Text     string
	Time     time.Time
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token       string
	APIEndpoint string // format string with the token and method, as tgbotapi.APIEndpoint
	PollTimeout int
	Debug       bool
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithAPIEndpoint points the client at another Bot API server.
func WithAPIEndpoint(endpoint string) Option {
	return func(o *Opts) {
		o.APIEndpoint = endpoint
	}
}

// WithPollTimeout sets the long polling timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *Opts) {
		o.PollTimeout = seconds
	}
}

// WithDebug enables request logging in the underlying library.
func WithDebug() Option {
	return func(o *Opts) {
		o.Debug = true
	}
}

// Client wraps the Bot API client.
type Client struct {
	bot         *tgbotapi.BotAPI
	pollTimeout int
}

// NewClient creates a Telegram client and verifies the token with getMe.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{APIEndpoint: tgbotapi.APIEndpoint, PollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}

	if err := tgbotapi.SetLogger(slogLogger{}); err != nil {
		slog.Warn("Telegram NewClient: could not install logger", "error", err)
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	if err != nil {
		slog.Error("Telegram NewClient: bot init failed", "error", err)
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug

	slog.Info("Telegram client connected", "bot", bot.Self.UserName)
	return &Client{bot: bot, pollTimeout: cfg.PollTimeout}, nil
}

// SendMessage sends a plain text message to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if text == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Debug("Telegram SendMessage", "chatID", chatID, "body_length", len(text))
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := c.bot.Send(msg); err != nil {
		slog.Error("Telegram SendMessage failed", "chatID", chatID, "error", err)
		return fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return nil
}

// Listen long-polls for updates and calls handle for every text message
// until ctx is cancelled.
func (c *Client) Listen(ctx context.Context, handle func(Message)) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	updates := c.bot.GetUpdatesChan(u)
	defer c.bot.StopReceivingUpdates()

	slog.Info("Telegram Listen: polling for updates", "timeout", c.pollTimeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Telegram Listen: stopping")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			handle(Message{
				UpdateID: strconv.Itoa(update.UpdateID),
				ChatID:   update.Message.Chat.ID,
				Text:     update.Message.Text,
				Time:     update.Message.Time(),
			})
		}
	}
}

// slogLogger routes the library's log output through slog.
type slogLogger struct{}

func (slogLogger) Println(v ...interface{}) {
	slog.Debug("Telegram library", "msg", fmt.Sprint(v...))
}

func (slogLogger) Printf(format string, v ...interface{}) {
	slog.Debug("Telegram library", "msg", fmt.Sprintf(format, v...))
}

// MockClient records sent messages instead of calling Telegram (for tests).
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	ChatID int64
	Text   string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{ChatID: chatID, Text: text})
	return nil
}
