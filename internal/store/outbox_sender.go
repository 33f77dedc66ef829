package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Default OutboxSender settings.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 8
	defaultOutboxBaseBackoff  = 10 * time.Second
	defaultOutboxMaxBackoff   = 30 * time.Minute
)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// NewOutboxSender creates a new OutboxSender. A message that fails
// maxAttempts times is marked failed and no longer retried.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, maxAttempts int) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOutboxMaxAttempts
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    maxAttempts,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// backoff returns the delay before the next attempt: 10s, 20s, 40s, ...
// capped at 30 minutes.
func backoff(attempts int) time.Duration {
	d := defaultOutboxBaseBackoff
	for i := 0; i < attempts && d < defaultOutboxMaxBackoff; i++ {
		d *= 2
	}
	if d > defaultOutboxMaxBackoff {
		d = defaultOutboxMaxBackoff
	}
	return d
}

// Poll claims and sends one batch of due messages.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "recipientID", msg.RecipientID, "kind", msg.Kind)
		sendErr := s.sendFunc(ctx, msg)
		if sendErr == nil {
			if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
				slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
			}
			slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "recipientID", msg.RecipientID)
			continue
		}

		if msg.Attempts+1 >= s.maxAttempts {
			slog.Error("OutboxSender.Poll: giving up on message", "id", msg.ID, "attempts", msg.Attempts+1, "error", sendErr)
			if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, sendErr.Error()); err != nil {
				slog.Error("OutboxSender.Poll: abandon message error", "id", msg.ID, "error", err)
			}
			continue
		}
		slog.Warn("OutboxSender.Poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", sendErr)
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, sendErr.Error(), now.Add(backoff(msg.Attempts))); err != nil {
			slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
		}
	}
}
