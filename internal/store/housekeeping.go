package store

import (
	"context"
	"fmt"
	"time"
)

// Housekeeper removes bookkeeping rows that are no longer needed.
type Housekeeper interface {
	// PurgeInboundBefore deletes dedup records received before the cutoff.
	PurgeInboundBefore(ctx context.Context, before time.Time) (int, error)

	// PurgeOutboxMessagesBefore deletes sent, failed and canceled outbox
	// messages last updated before the cutoff. Queued and sending messages
	// are kept.
	PurgeOutboxMessagesBefore(ctx context.Context, before time.Time) (int, error)
}

var (
	_ Housekeeper = (*sqlRepo)(nil)
	_ Housekeeper = (*InMemoryStore)(nil)
)

func (r *sqlRepo) PurgeInboundBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM inbound_dedup WHERE received_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge inbound rows affected failed: %w", err)
	}
	return int(n), nil
}

func (r *sqlRepo) PurgeOutboxMessagesBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM outbox_messages WHERE status IN ('sent', 'failed', 'canceled') AND updated_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge outbox failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge outbox rows affected failed: %w", err)
	}
	return int(n), nil
}

func (s *InMemoryStore) PurgeInboundBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PurgeOutboxMessagesBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outboxOrder[:0]
	n := 0
	for _, id := range s.outboxOrder {
		m := s.outbox[id]
		switch m.Status {
		case OutboxStatusSent, OutboxStatusFailed, OutboxStatusCanceled:
			if m.UpdatedAt.Before(before) {
				delete(s.outbox, id)
				n++
				continue
			}
		}
		kept = append(kept, id)
	}
	s.outboxOrder = kept
	return n, nil
}
