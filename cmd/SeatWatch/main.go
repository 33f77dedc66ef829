// Command SeatWatch watches train trips for released seats and alerts their
// owners over a chat back-end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/api"
	"github.com/BTreeMap/SeatWatch/internal/conversation"
	"github.com/BTreeMap/SeatWatch/internal/monitor"
	"github.com/BTreeMap/SeatWatch/internal/probe"
	"github.com/BTreeMap/SeatWatch/internal/scheduler"
	"github.com/BTreeMap/SeatWatch/internal/store"
	"github.com/BTreeMap/SeatWatch/internal/util"
	"github.com/BTreeMap/SeatWatch/internal/whatsapp"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir holds the database, the WhatsApp session and the lock file.
	DefaultStateDir = "/var/lib/seatwatch"
	// DefaultDBFileName is the SQLite database used when DATABASE_URL is unset.
	DefaultDBFileName = "seatwatch.db"
)

// Chat back-ends selectable with CHAT_BACKEND.
const (
	BackendTelegram = "telegram"
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
)

// Config is the resolved runtime configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	ChatBackend string
	LogLevel    string

	TelegramToken string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	WhatsAppDSN     string
	WhatsAppQROut   string
	WhatsAppNumeric bool

	ProbeURL           string
	ProbeRatePerMinute int

	PollInterval        time.Duration
	MinPollGap          time.Duration
	Jitter              time.Duration
	MaxConcurrentProbes int
	ProbeTimeout        time.Duration
	NotifyPolicy        string
	NotifyOnStop        bool
	CycleSummaries      bool

	ConversationTimeout time.Duration
	APIAddr             string

	HousekeepingSchedule string
	Retention            time.Duration
}

func main() {
	cfg := loadEnvironmentConfig()
	cfg, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(cfg.LogLevel)

	if err := validateConfig(cfg); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting SeatWatch", "backend", cfg.ChatBackend, "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr)
	if err := run(ctx, cfg); err != nil {
		slog.Error("SeatWatch failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SeatWatch exited successfully")
}

// initializeLogger installs a text handler on stdout at the given level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// loadEnvironmentConfig loads .env if present and reads the environment,
// falling back to defaults for unset or invalid values.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Config{
		StateDir:    util.ParseStringEnv("SEATWATCH_STATE_DIR", DefaultStateDir),
		DatabaseURL: util.ParseStringEnv("DATABASE_URL", ""),
		ChatBackend: strings.ToLower(util.ParseStringEnv("CHAT_BACKEND", BackendTelegram)),
		LogLevel:    util.ParseStringEnv("LOG_LEVEL", "info"),

		TelegramToken: util.ParseStringEnv("TELEGRAM_TOKEN", ""),

		TwilioAccountSID: util.ParseStringEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  util.ParseStringEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:       util.ParseStringEnv("TWILIO_FROM_NUMBER", ""),
		TwilioWebhookURL: util.ParseStringEnv("TWILIO_WEBHOOK_URL", ""),

		WhatsAppDSN: util.ParseStringEnv("WHATSAPP_DB_DSN", ""),

		ProbeURL:           util.ParseStringEnv("PROBE_URL", ""),
		ProbeRatePerMinute: util.ParseIntEnv("PROBE_RATE_PER_MINUTE", probe.DefaultRatePerMinute),

		PollInterval:        util.ParseDurationEnv("POLL_INTERVAL_SECONDS", time.Second, monitor.DefaultPollInterval),
		MinPollGap:          util.ParseDurationEnv("MIN_POLL_GAP_SECONDS", time.Second, monitor.DefaultMinPollGap),
		Jitter:              util.ParseDurationEnv("POLL_JITTER_SECONDS", time.Second, 0),
		MaxConcurrentProbes: util.ParseIntEnv("MAX_CONCURRENT_PROBES", monitor.DefaultMaxConcurrentProbes),
		ProbeTimeout:        util.ParseDurationEnv("PROBE_TIMEOUT_SECONDS", time.Second, monitor.DefaultProbeTimeout),
		NotifyPolicy:        util.ParseStringEnv("NOTIFY_POLICY", string(monitor.NotifyPolicyRearm)),
		NotifyOnStop:        util.ParseBoolEnv("NOTIFY_ON_STOP", true),
		CycleSummaries:      util.ParseBoolEnv("MONITOR_CHAT_NOTIFICATIONS", false),

		ConversationTimeout: util.ParseDurationEnv("CONVERSATION_TIMEOUT_MINUTES", time.Minute, conversation.DefaultTimeout),
		APIAddr:             util.ParseStringEnv("API_ADDR", api.DefaultAddr),

		HousekeepingSchedule: util.ParseStringEnv("HOUSEKEEPING_SCHEDULE", scheduler.DefaultHousekeepingSchedule),
		Retention:            util.ParseDurationEnv("RETENTION_DAYS", 24*time.Hour, scheduler.DefaultRetention),
	}

	slog.Debug("environment variables loaded",
		"SEATWATCH_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"CHAT_BACKEND", cfg.ChatBackend,
		"TELEGRAM_TOKEN_SET", cfg.TelegramToken != "",
		"TWILIO_ACCOUNT_SID_SET", cfg.TwilioAccountSID != "",
		"PROBE_URL", cfg.ProbeURL,
		"NOTIFY_POLICY", cfg.NotifyPolicy)
	return cfg
}

// parseCommandLineFlags lets flags override the environment values in cfg.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg Config) (Config, error) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory (overrides $SEATWATCH_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres DSN; SQLite in the state dir when empty (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.ChatBackend, "backend", cfg.ChatBackend, "chat back-end: telegram, whatsapp or twilio (overrides $CHAT_BACKEND)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "WhatsApp session database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.WhatsAppQROut, "qr-output", cfg.WhatsAppQROut, "path to write the WhatsApp login QR code")
	fs.BoolVar(&cfg.WhatsAppNumeric, "numeric-code", cfg.WhatsAppNumeric, "use a numeric WhatsApp login code instead of a QR code")
	fs.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "availability service base URL (overrides $PROBE_URL)")
	fs.IntVar(&cfg.ProbeRatePerMinute, "probe-rate", cfg.ProbeRatePerMinute, "maximum probe requests per minute (overrides $PROBE_RATE_PER_MINUTE)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "time between monitor cycles (overrides $POLL_INTERVAL_SECONDS)")
	fs.IntVar(&cfg.MaxConcurrentProbes, "max-probes", cfg.MaxConcurrentProbes, "concurrent probes per cycle (overrides $MAX_CONCURRENT_PROBES)")
	fs.StringVar(&cfg.NotifyPolicy, "notify-policy", cfg.NotifyPolicy, "rearm or once (overrides $NOTIFY_POLICY)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "operator API address (overrides $API_ADDR)")
	fs.StringVar(&cfg.HousekeepingSchedule, "housekeeping", cfg.HousekeepingSchedule, "cron schedule for pruning old records, empty to disable (overrides $HOUSEKEEPING_SCHEDULE)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.ChatBackend = strings.ToLower(strings.TrimSpace(cfg.ChatBackend))
	return cfg, nil
}

// validateConfig rejects configurations that cannot start.
func validateConfig(cfg Config) error {
	if cfg.ProbeURL == "" {
		return errors.New("PROBE_URL is required")
	}
	if _, err := monitor.ParseNotifyPolicy(cfg.NotifyPolicy); err != nil {
		return err
	}
	switch cfg.ChatBackend {
	case BackendTelegram:
		if cfg.TelegramToken == "" {
			return errors.New("TELEGRAM_TOKEN is required for the telegram back-end")
		}
	case BackendTwilio:
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFrom == "" {
			return errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for the twilio back-end")
		}
	case BackendWhatsApp:
	default:
		return fmt.Errorf("unknown chat back-end %q", cfg.ChatBackend)
	}
	return nil
}

// appDSN returns the application database DSN.
func appDSN(cfg Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return filepath.Join(cfg.StateDir, DefaultDBFileName)
}

// whatsAppDSN returns the session database for whatsmeow, which needs
// foreign keys enabled on SQLite.
func whatsAppDSN(cfg Config) string {
	if cfg.WhatsAppDSN != "" {
		return cfg.WhatsAppDSN
	}
	return "file:" + filepath.Join(cfg.StateDir, whatsapp.DefaultDBFile) + "?_foreign_keys=on"
}

// buildStoreOptions selects Postgres or SQLite from the DSN.
func buildStoreOptions(cfg Config) []store.Option {
	dsn := appDSN(cfg)
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildEngineOptions maps the configuration to monitor options.
func buildEngineOptions(cfg Config) []monitor.Option {
	policy, _ := monitor.ParseNotifyPolicy(cfg.NotifyPolicy)
	opts := []monitor.Option{
		monitor.WithPollInterval(cfg.PollInterval),
		monitor.WithMinPollGap(cfg.MinPollGap),
		monitor.WithJitter(cfg.Jitter),
		monitor.WithMaxConcurrentProbes(cfg.MaxConcurrentProbes),
		monitor.WithProbeTimeout(cfg.ProbeTimeout),
		monitor.WithNotifyPolicy(policy),
		monitor.WithCycleSummaries(cfg.CycleSummaries),
	}
	return opts
}

// buildWhatsAppOptions constructs whatsmeow client options.
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(whatsAppDSN(cfg))}
	if cfg.WhatsAppQROut != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsAppQROut))
	}
	if cfg.WhatsAppNumeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}
