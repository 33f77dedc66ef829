package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/util"
)

const outboxColumns = `id, recipient_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

type outboxRow struct {
	ID            string         `db:"id"`
	RecipientID   string         `db:"recipient_id"`
	Kind          string         `db:"kind"`
	PayloadJSON   sql.NullString `db:"payload_json"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	NextAttemptAt sql.NullTime   `db:"next_attempt_at"`
	DedupeKey     sql.NullString `db:"dedupe_key"`
	LockedAt      sql.NullTime   `db:"locked_at"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r outboxRow) toMessage() OutboxMessage {
	m := OutboxMessage{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Kind:        r.Kind,
		PayloadJSON: r.PayloadJSON.String,
		Status:      OutboxStatus(r.Status),
		Attempts:    r.Attempts,
		DedupeKey:   r.DedupeKey.String,
		LastError:   r.LastError.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.NextAttemptAt.Valid {
		m.NextAttemptAt = &r.NextAttemptAt.Time
	}
	if r.LockedAt.Valid {
		m.LockedAt = &r.LockedAt.Time
	}
	return m
}

func outboxMessages(rows []outboxRow) []OutboxMessage {
	msgs := make([]OutboxMessage, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toMessage())
	}
	return msgs
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (r *sqlRepo) EnqueueOutboxMessage(ctx context.Context, recipientID, kind, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now().UTC()

	if dedupeKey != "" {
		var existingID string
		err := r.db.GetContext(ctx, &existingID,
			r.db.Rebind(`SELECT id FROM outbox_messages WHERE dedupe_key = ?`), dedupeKey)
		if err == nil {
			slog.Debug("sqlRepo.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO outbox_messages (id, recipient_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, recipientID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("sqlRepo.EnqueueOutboxMessage", "id", id, "recipientID", recipientID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages selects and marks due messages inside one
// transaction. PostgresStore replaces it with a SKIP LOCKED claim.
func (r *sqlRepo) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim outbox begin failed: %w", err)
	}
	defer tx.Rollback()

	var rows []outboxRow
	err = tx.SelectContext(ctx, &rows, tx.Rebind(
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	msgs := outboxMessages(rows)
	for i := range msgs {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`),
			now, now, msgs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		lockedAt := now
		msgs[i].LockedAt = &lockedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox commit failed: %w", err)
	}
	return msgs, nil
}

func (r *sqlRepo) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("sqlRepo.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
