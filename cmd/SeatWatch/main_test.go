package main

import (
	"context"
	"flag"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/conversation"
	"github.com/BTreeMap/SeatWatch/internal/messaging"
	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/monitor"
	"github.com/BTreeMap/SeatWatch/internal/probe"
	"github.com/BTreeMap/SeatWatch/internal/scheduler"
	"github.com/BTreeMap/SeatWatch/internal/store"
	"github.com/BTreeMap/SeatWatch/internal/testutil"
	"github.com/BTreeMap/SeatWatch/internal/twiliowhatsapp"
)

var configEnv = []string{
	"SEATWATCH_STATE_DIR", "DATABASE_URL", "CHAT_BACKEND", "LOG_LEVEL", "TELEGRAM_TOKEN",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
	"WHATSAPP_DB_DSN", "PROBE_URL", "PROBE_RATE_PER_MINUTE", "POLL_INTERVAL_SECONDS",
	"MIN_POLL_GAP_SECONDS", "POLL_JITTER_SECONDS", "MAX_CONCURRENT_PROBES",
	"PROBE_TIMEOUT_SECONDS", "NOTIFY_POLICY", "NOTIFY_ON_STOP", "MONITOR_CHAT_NOTIFICATIONS",
	"CONVERSATION_TIMEOUT_MINUTES", "API_ADDR", "HOUSEKEEPING_SCHEDULE", "RETENTION_DAYS",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg := loadEnvironmentConfig()

	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.ChatBackend != BackendTelegram {
		t.Errorf("ChatBackend = %q", cfg.ChatBackend)
	}
	if cfg.PollInterval != monitor.DefaultPollInterval || cfg.ProbeTimeout != monitor.DefaultProbeTimeout {
		t.Errorf("unexpected monitor defaults: %v %v", cfg.PollInterval, cfg.ProbeTimeout)
	}
	if cfg.ConversationTimeout != conversation.DefaultTimeout {
		t.Errorf("ConversationTimeout = %v", cfg.ConversationTimeout)
	}
	if !cfg.NotifyOnStop {
		t.Error("NotifyOnStop should default to true")
	}
	if cfg.CycleSummaries {
		t.Error("CycleSummaries should default to false")
	}
	if cfg.HousekeepingSchedule != scheduler.DefaultHousekeepingSchedule || cfg.Retention != scheduler.DefaultRetention {
		t.Errorf("unexpected housekeeping defaults: %q %v", cfg.HousekeepingSchedule, cfg.Retention)
	}
	if got := appDSN(cfg); got != filepath.Join(DefaultStateDir, DefaultDBFileName) {
		t.Errorf("appDSN = %q", got)
	}
	if got := whatsAppDSN(cfg); !strings.HasSuffix(got, "whatsmeow.db?_foreign_keys=on") {
		t.Errorf("whatsAppDSN = %q", got)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_BACKEND", "Twilio")
	t.Setenv("POLL_INTERVAL_SECONDS", "60")
	t.Setenv("CONVERSATION_TIMEOUT_MINUTES", "5")
	t.Setenv("MAX_CONCURRENT_PROBES", "nope")
	t.Setenv("NOTIFY_ON_STOP", "off")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/seatwatch")
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("MONITOR_CHAT_NOTIFICATIONS", "true")

	cfg := loadEnvironmentConfig()
	if !cfg.CycleSummaries {
		t.Error("CycleSummaries should be true")
	}
	if cfg.ChatBackend != BackendTwilio {
		t.Errorf("ChatBackend = %q", cfg.ChatBackend)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ConversationTimeout != 5*time.Minute {
		t.Errorf("ConversationTimeout = %v", cfg.ConversationTimeout)
	}
	if cfg.MaxConcurrentProbes != monitor.DefaultMaxConcurrentProbes {
		t.Errorf("invalid value not replaced by default: %d", cfg.MaxConcurrentProbes)
	}
	if cfg.NotifyOnStop {
		t.Error("NotifyOnStop should be false")
	}
	if cfg.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v", cfg.Retention)
	}
	if opts := buildStoreOptions(cfg); len(opts) != 1 {
		t.Errorf("expected one store option, got %d", len(opts))
	}
	if store.DetectDSNType(appDSN(cfg)) != "postgres" {
		t.Errorf("DATABASE_URL should select postgres")
	}
}

func TestParseCommandLineFlagsOverrideEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("API_ADDR", ":9000")
	cfg := loadEnvironmentConfig()

	fs := flag.NewFlagSet("seatwatch", flag.ContinueOnError)
	cfg, err := parseCommandLineFlags(fs, []string{"-backend", "WHATSAPP", "-poll-interval", "2m", "-state-dir", "/tmp/sw"}, cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ChatBackend != BackendWhatsApp || cfg.PollInterval != 2*time.Minute || cfg.StateDir != "/tmp/sw" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.APIAddr != ":9000" {
		t.Errorf("environment value lost: %q", cfg.APIAddr)
	}
	if got := whatsAppDSN(cfg); got != "file:/tmp/sw/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("whatsAppDSN should follow -state-dir, got %q", got)
	}
}

func TestValidateConfig(t *testing.T) {
	base := Config{ProbeURL: "http://probe:8000", ChatBackend: BackendTelegram, TelegramToken: "t", NotifyPolicy: "rearm"}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid telegram", func(c *Config) {}, ""},
		{"missing probe", func(c *Config) { c.ProbeURL = "" }, "PROBE_URL"},
		{"missing token", func(c *Config) { c.TelegramToken = "" }, "TELEGRAM_TOKEN"},
		{"twilio without creds", func(c *Config) { c.ChatBackend = BackendTwilio }, "TWILIO_ACCOUNT_SID"},
		{"whatsapp needs nothing", func(c *Config) { c.ChatBackend = BackendWhatsApp; c.TelegramToken = "" }, ""},
		{"unknown backend", func(c *Config) { c.ChatBackend = "signal" }, "unknown chat back-end"},
		{"bad policy", func(c *Config) { c.NotifyPolicy = "sometimes" }, "notify policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOutboxSendFuncUsesBody(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	send := outboxSendFunc(messaging.NewTwilioService(client))

	err := send(context.Background(), store.OutboxMessage{ID: "o1", RecipientID: "34600111222", PayloadJSON: `{"trip_id":"t","body":"stopped"}`})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.SentMessages) != 1 || client.SentMessages[0].Body != "stopped" {
		t.Errorf("unexpected messages: %+v", client.SentMessages)
	}

	if err := send(context.Background(), store.OutboxMessage{ID: "o2", RecipientID: "34600111222", PayloadJSON: `{}`}); err == nil {
		t.Error("expected error for payload without body")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (r *recordingSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[int64][]string)
	}
	r.sent[chatID] = append(r.sent[chatID], text)
	return nil
}

func (r *recordingSender) messages(chatID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[chatID]...)
}

type availableProbe struct{}

func (availableProbe) Check(ctx context.Context, trip models.Trip) (probe.Result, error) {
	return probe.Result{Status: models.TripStatusAvailable, Departure: trip.Departure}, nil
}

func TestServeAlertsAndStopsOnCancel(t *testing.T) {
	st := store.NewInMemoryStore()
	trip := testutil.NewTrip("42", "Madrid", "Barcelona")
	trip.TravelDate = time.Now().AddDate(0, 1, 0).Format(models.DateLayout)
	testutil.SeedTrip(t, st, trip)

	sender := &recordingSender{}
	cfg := Config{
		APIAddr:             "127.0.0.1:0",
		PollInterval:        time.Hour,
		NotifyPolicy:        "rearm",
		NotifyOnStop:        true,
		ConversationTimeout: time.Minute,
	}
	chat := chatBackend{svc: messaging.NewTelegramService(sender), close: func() {}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, st, availableProbe{}, chat) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(sender.messages(42)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if msgs := sender.messages(42); len(msgs) != 1 || !strings.Contains(msgs[0], "Madrid") {
		t.Errorf("expected one alert for the trip, got %q", msgs)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestServeRejectsInvalidHousekeepingSchedule(t *testing.T) {
	cfg := Config{APIAddr: "127.0.0.1:0", NotifyPolicy: "rearm", HousekeepingSchedule: "whenever"}
	chat := chatBackend{svc: messaging.NewTelegramService(&recordingSender{}), close: func() {}}
	err := serve(context.Background(), cfg, store.NewInMemoryStore(), availableProbe{}, chat)
	if err == nil || !strings.Contains(err.Error(), "housekeeping") {
		t.Errorf("expected schedule error, got %v", err)
	}
}
