package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SeatWatch/internal/api"
	"github.com/BTreeMap/SeatWatch/internal/conversation"
	"github.com/BTreeMap/SeatWatch/internal/lockfile"
	"github.com/BTreeMap/SeatWatch/internal/messaging"
	"github.com/BTreeMap/SeatWatch/internal/monitor"
	"github.com/BTreeMap/SeatWatch/internal/probe"
	"github.com/BTreeMap/SeatWatch/internal/scheduler"
	"github.com/BTreeMap/SeatWatch/internal/store"
	"github.com/BTreeMap/SeatWatch/internal/telegram"
	"github.com/BTreeMap/SeatWatch/internal/twiliowhatsapp"
	"github.com/BTreeMap/SeatWatch/internal/whatsapp"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// appStore is what the application needs from a storage backend.
type appStore interface {
	store.Store
	store.OutboxRepo
	store.DedupRepo
	store.Housekeeper
}

// chatBackend is a started messaging service plus the pieces only some
// back-ends have.
type chatBackend struct {
	svc     messaging.Service
	webhook http.Handler
	close   func()
}

// run wires every component and blocks until ctx is cancelled or one of
// the long-running components fails.
func run(ctx context.Context, cfg Config) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	p, err := probe.NewHTTPProbe(cfg.ProbeURL, probe.WithRatePerMinute(cfg.ProbeRatePerMinute))
	if err != nil {
		return err
	}

	chat, err := newChatBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start %s back-end: %w", cfg.ChatBackend, err)
	}
	defer chat.close()

	return serve(ctx, cfg, st, p, chat)
}

// serve runs the monitor, the outbox sender, the conversation loop and the
// API until ctx is done.
func serve(ctx context.Context, cfg Config, st appStore, p probe.AvailabilityProbe, chat chatBackend) error {
	engineOpts := buildEngineOptions(cfg)
	if cfg.NotifyOnStop {
		engineOpts = append(engineOpts, monitor.WithStopNotices(st))
	}
	engine := monitor.NewEngine(st, p, chat.svc, engineOpts...)

	outbox := store.NewOutboxSender(st, outboxSendFunc(chat.svc), store.DefaultOutboxPollInterval, store.DefaultOutboxMaxAttempts)
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("serve: stale outbox recovery failed", "error", err)
	}

	controllerOpts := []conversation.Option{conversation.WithTimeout(cfg.ConversationTimeout)}
	if searcher, ok := p.(conversation.TrainSearcher); ok {
		controllerOpts = append(controllerOpts, conversation.WithTrainSearch(searcher, cfg.ProbeTimeout))
	}
	controller := conversation.NewController(st, controllerOpts...)
	handler := messaging.NewResponseHandler(chat.svc, controller, st)

	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr), api.WithMonitor(engine)}
	if chat.webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(chat.webhook))
	}
	server := api.NewServer(st, apiOpts...)

	sched := scheduler.NewScheduler()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), api.DefaultShutdownTimeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if cfg.HousekeepingSchedule != "" {
		job := scheduler.Housekeeping(ctx, st, cfg.Retention, nil)
		if err := sched.AddJob("housekeeping", cfg.HousekeepingSchedule, job); err != nil {
			return err
		}
	}

	if err := chat.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	handler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })
	err := g.Wait()

	if stopErr := chat.svc.Stop(); stopErr != nil {
		slog.Warn("serve: messaging service stop failed", "error", stopErr)
	}
	handler.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore opens Postgres when DATABASE_URL is set, otherwise SQLite in the state dir.
func openStore(cfg Config) (appStore, error) {
	opts := buildStoreOptions(cfg)
	if store.DetectDSNType(appDSN(cfg)) == "postgres" {
		st, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// newChatBackend builds the messaging service selected by cfg.ChatBackend.
func newChatBackend(ctx context.Context, cfg Config) (chatBackend, error) {
	switch cfg.ChatBackend {
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return chatBackend{}, err
		}
		return chatBackend{svc: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return chatBackend{}, err
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("newChatBackend: TWILIO_WEBHOOK_URL unset, webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return chatBackend{svc: svc, webhook: http.HandlerFunc(svc.WebhookHandler), close: func() {}}, nil
	default:
		client, err := telegram.NewClient(telegram.WithToken(cfg.TelegramToken))
		if err != nil {
			return chatBackend{}, err
		}
		return chatBackend{svc: messaging.NewTelegramService(client), close: func() {}}, nil
	}
}

// outboxSendFunc delivers queued notices through svc. Payloads carry the
// rendered text in their "body" field.
func outboxSendFunc(svc messaging.Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		body := gjson.Get(msg.PayloadJSON, "body").String()
		if body == "" {
			return fmt.Errorf("outbox message %s has no body", msg.ID)
		}
		return svc.SendMessage(ctx, msg.RecipientID, body)
	}
}
