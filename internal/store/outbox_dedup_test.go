package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type outboxDedupStore interface {
	OutboxRepo
	DedupRepo
}

func outboxBackends(t *testing.T) map[string]outboxDedupStore {
	return map[string]outboxDedupStore{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestOutboxRepo_EnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{"body":"Hello"}`, "")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}
			if id == "" {
				t.Fatal("EnqueueOutboxMessage returned empty ID")
			}

			msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(msgs))
			}
			if msgs[0].Status != OutboxStatusSending || msgs[0].RecipientID != "u1" || msgs[0].PayloadJSON != `{"body":"Hello"}` {
				t.Errorf("unexpected claimed message: %+v", msgs[0])
			}

			// Claimed messages are not handed out twice.
			again, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if len(again) != 0 {
				t.Errorf("Expected no messages on second claim, got %d", len(again))
			}
		})
	}
}

func TestOutboxRepo_DedupeKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{}`, "stopped:trip-1")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage 1 failed: %v", err)
			}
			msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if len(msgs) == 1 {
				s.MarkOutboxMessageSent(ctx, msgs[0].ID)
			}

			// Even after delivery the same key does not produce a second notice.
			id2, err := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{}`, "stopped:trip-1")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage 2 failed: %v", err)
			}
			if id1 != id2 {
				t.Errorf("Expected dedupe to return %q, got %q", id1, id2)
			}
			msgs, _ = s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)
			if len(msgs) != 0 {
				t.Errorf("Expected nothing to send, got %d", len(msgs))
			}
		})
	}
}

func TestOutboxRepo_FailAndRetry(t *testing.T) {
	ctx := context.Background()
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, _ := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{}`, "")
			s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10)

			nextAttempt := time.Now().Add(time.Hour)
			if err := s.FailOutboxMessage(ctx, id, "send error", nextAttempt); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
			if len(msgs) != 0 {
				t.Errorf("Expected no due messages before retry time, got %d", len(msgs))
			}
			msgs, _ = s.ClaimDueOutboxMessages(ctx, nextAttempt.Add(time.Second), 10)
			if len(msgs) != 1 {
				t.Fatalf("Expected message due after retry time, got %d", len(msgs))
			}
			if msgs[0].Attempts != 1 || msgs[0].LastError != "send error" {
				t.Errorf("unexpected retry bookkeeping: %+v", msgs[0])
			}
		})
	}
}

func TestOutboxRepo_RequeueStale(t *testing.T) {
	ctx := context.Background()
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{}`, "")
			s.ClaimDueOutboxMessages(ctx, time.Now().Add(-time.Hour), 10)

			n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(-time.Minute))
			if err != nil {
				t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
			}
			if n != 1 {
				t.Errorf("Expected 1 requeued message, got %d", n)
			}
		})
	}
}

func TestDedupRepo(t *testing.T) {
	ctx := context.Background()
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			dup, err := s.IsDuplicate(ctx, "msg-1")
			if err != nil || dup {
				t.Fatalf("unseen message reported duplicate: %v, %v", dup, err)
			}
			inserted, err := s.RecordInbound(ctx, "msg-1", "u1")
			if err != nil || !inserted {
				t.Fatalf("RecordInbound: inserted=%v err=%v", inserted, err)
			}
			inserted, err = s.RecordInbound(ctx, "msg-1", "u1")
			if err != nil {
				t.Fatalf("RecordInbound 2 failed: %v", err)
			}
			if inserted {
				t.Error("duplicate message recorded twice")
			}
			if dup, _ := s.IsDuplicate(ctx, "msg-1"); !dup {
				t.Error("recorded message should be a duplicate")
			}
			if err := s.MarkProcessed(ctx, "msg-1"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}
		})
	}
}

func TestOutboxSender_Delivers(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, time.Second, 3)

	if _, err := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{"body":"Hello"}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	sender.Poll(ctx)
	sender.Poll(ctx)

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected exactly 1 send, got %d", sent)
	}
	if msgs := s.OutboxMessages(); msgs[0].Status != OutboxStatusSent {
		t.Errorf("Expected sent status, got %s", msgs[0].Status)
	}
}

func TestOutboxSender_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	var calls int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("chat unavailable")
	}, time.Second, 3)

	clock := time.Now()
	sender.now = func() time.Time { return clock }
	s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{}`, "")

	for i := 0; i < 5; i++ {
		sender.Poll(ctx)
		clock = clock.Add(time.Hour)
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	msg := s.OutboxMessages()[0]
	if msg.Status != OutboxStatusFailed {
		t.Errorf("Expected failed status, got %s", msg.Status)
	}
	if msg.LastError != "chat unavailable" {
		t.Errorf("Expected last error recorded, got %q", msg.LastError)
	}
}

func TestOutboxBackoff(t *testing.T) {
	if got := backoff(0); got != 10*time.Second {
		t.Errorf("backoff(0) = %v", got)
	}
	if got := backoff(2); got != 40*time.Second {
		t.Errorf("backoff(2) = %v", got)
	}
	if got := backoff(30); got != 30*time.Minute {
		t.Errorf("backoff(30) = %v", got)
	}
}

func TestHousekeeping_Purge(t *testing.T) {
	ctx := context.Background()
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			hk := s.(Housekeeper)
			future := time.Now().Add(time.Hour)

			if _, err := s.RecordInbound(ctx, "msg-old", "u1"); err != nil {
				t.Fatalf("RecordInbound failed: %v", err)
			}
			if n, err := hk.PurgeInboundBefore(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
				t.Fatalf("purge with past cutoff: n=%d err=%v", n, err)
			}
			if n, err := hk.PurgeInboundBefore(ctx, future); err != nil || n != 1 {
				t.Fatalf("purge inbound: n=%d err=%v", n, err)
			}
			if inserted, _ := s.RecordInbound(ctx, "msg-old", "u1"); !inserted {
				t.Error("purged message should be recordable again")
			}

			sentID, _ := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{"body":"a"}`, "stopped:a")
			s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{"body":"b"}`, "stopped:b")
			if _, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Second), 10); err != nil {
				t.Fatalf("claim failed: %v", err)
			}
			if err := s.MarkOutboxMessageSent(ctx, sentID); err != nil {
				t.Fatalf("mark sent failed: %v", err)
			}

			n, err := hk.PurgeOutboxMessagesBefore(ctx, future)
			if err != nil || n != 1 {
				t.Fatalf("purge outbox: n=%d err=%v", n, err)
			}
			// The in-flight message survives and keeps its dedupe key.
			id, err := s.EnqueueOutboxMessage(ctx, "u1", OutboxKindStopNotice, `{"body":"b"}`, "stopped:b")
			if err != nil || id == "" || id == sentID {
				t.Errorf("unexpected enqueue result id=%q err=%v", id, err)
			}
			if ok, err := s.RequeueStaleSendingMessages(ctx, future); err != nil || ok != 1 {
				t.Errorf("expected the in-flight message to remain, requeued=%d err=%v", ok, err)
			}
		})
	}
}
