package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/store"
)

const (
	// DefaultHousekeepingSchedule runs housekeeping daily at 03:30.
	DefaultHousekeepingSchedule = "30 3 * * *"
	// DefaultRetention is how long dedup records and finished outbox
	// messages are kept.
	DefaultRetention = 7 * 24 * time.Hour

	housekeepingTimeout = 5 * time.Minute
)

// Housekeeping returns a job that deletes dedup records and finished
// outbox messages older than retention.
func Housekeeping(ctx context.Context, hk store.Housekeeper, retention time.Duration, now func() time.Time) func() {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return func() {
		jobCtx, cancel := context.WithTimeout(ctx, housekeepingTimeout)
		defer cancel()

		cutoff := now().Add(-retention)
		inbound, err := hk.PurgeInboundBefore(jobCtx, cutoff)
		if err != nil {
			slog.Error("Housekeeping: inbound purge failed", "error", err)
		}
		outbox, err := hk.PurgeOutboxMessagesBefore(jobCtx, cutoff)
		if err != nil {
			slog.Error("Housekeeping: outbox purge failed", "error", err)
		}
		slog.Info("Housekeeping: done", "cutoff", cutoff, "inbound_removed", inbound, "outbox_removed", outbox)
	}
}
