// Package monitor runs the polling loop that checks every tracked trip and
// alerts its owner when a full train gains free seats.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/models"
	"github.com/BTreeMap/SeatWatch/internal/probe"
	"github.com/BTreeMap/SeatWatch/internal/store"
	"golang.org/x/sync/errgroup"
)

// NotificationSink delivers a message to a chat user. Every
// messaging.Service satisfies it.
type NotificationSink interface {
	SendMessage(ctx context.Context, to, body string) error
}

// NoticeQueue durably queues a message for later delivery. The dedupe key
// guarantees a single message per key. store.OutboxRepo satisfies it.
type NoticeQueue interface {
	EnqueueOutboxMessage(ctx context.Context, recipientID, kind, payloadJSON, dedupeKey string) (string, error)
}

// DeliveryError reports an alert that could not be delivered after every
// attempt of a cycle.
type DeliveryError struct {
	TripID   string
	UserID   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s for trip %s failed after %d attempts: %v", e.UserID, e.TripID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Outcome is what happened to one trip during a cycle.
type Outcome string

const (
	OutcomeFull           Outcome = "full"
	OutcomeAvailable      Outcome = "available"
	OutcomeNotified       Outcome = "notified"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeTransient      Outcome = "transient"
	OutcomePermanent      Outcome = "permanent"
	OutcomeDeparted       Outcome = "departed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeCanceled       Outcome = "canceled"
)

// CycleReport summarises one polling cycle.
type CycleReport struct {
	Started  time.Time
	Finished time.Time
	Trips    int
	Outcomes map[Outcome]int
	Err      error
}

// StopPayload is the JSON payload of a stop notice in the outbox.
type StopPayload struct {
	TripID string `json:"trip_id"`
	Reason string `json:"reason"`
	Body   string `json:"body"`
}

// Engine polls the active trips of a TripStore. It holds no global state;
// several engines may run against different stores.
type Engine struct {
	store store.TripStore
	probe probe.AvailabilityProbe
	sink  NotificationSink
	opts  Opts

	lastMu sync.RWMutex
	last   *CycleReport
}

// NewEngine creates an engine. Unset options take their defaults.
func NewEngine(st store.TripStore, p probe.AvailabilityProbe, sink NotificationSink, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	return &Engine{store: st, probe: p, sink: sink, opts: cfg}
}

// Run polls until ctx is cancelled. Cycles never overlap: the next one is
// scheduled one interval after the previous start, but never sooner than
// the minimum gap after the previous end. Run returns nil on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("Engine.Run: starting monitor",
		"pollInterval", e.opts.PollInterval,
		"minPollGap", e.opts.MinPollGap,
		"maxConcurrentProbes", e.opts.MaxConcurrentProbes,
		"probeTimeout", e.opts.ProbeTimeout,
		"notifyPolicy", e.opts.NotifyPolicy)

	for {
		report := e.RunCycle(ctx)
		if ctx.Err() != nil {
			slog.Info("Engine.Run: stopping")
			return nil
		}

		wait := e.nextDelay(report.Started, report.Finished)
		slog.Debug("Engine.Run: next cycle scheduled", "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Engine.Run: stopping")
			return nil
		case <-timer.C:
		}
	}
}

// nextDelay returns how long to wait after a cycle that ran from start to end.
func (e *Engine) nextDelay(start, end time.Time) time.Duration {
	interval := e.opts.PollInterval
	if e.opts.Jitter > 0 {
		interval += rand.N(e.opts.Jitter)
	}
	next := start.Add(interval)
	if earliest := end.Add(e.opts.MinPollGap); next.Before(earliest) {
		next = earliest
	}
	if d := next.Sub(end); d > 0 {
		return d
	}
	return 0
}

// RunCycle probes every active trip once and waits for all probes to finish.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{Started: e.opts.Clock(), Outcomes: make(map[Outcome]int)}

	trips, err := e.store.ActiveTrips(ctx)
	if err != nil {
		slog.Error("Engine.RunCycle: failed to load active trips", "error", err)
		report.Err = err
		report.Finished = e.opts.Clock()
		e.lastMu.Lock()
		e.last = &report
		e.lastMu.Unlock()
		return report
	}
	report.Trips = len(trips)

	var (
		mu      sync.Mutex
		g       errgroup.Group
		results []tripResult
	)
	g.SetLimit(e.opts.MaxConcurrentProbes)
	for _, trip := range trips {
		if ctx.Err() != nil {
			mu.Lock()
			report.Outcomes[OutcomeCanceled]++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			outcome := e.checkTrip(ctx, trip)
			mu.Lock()
			report.Outcomes[outcome]++
			if e.opts.CycleSummaries {
				results = append(results, tripResult{trip: trip, outcome: outcome})
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report.Finished = e.opts.Clock()
	slog.Info("Engine.RunCycle: cycle complete",
		"trips", report.Trips,
		"duration", report.Finished.Sub(report.Started),
		"full", report.Outcomes[OutcomeFull],
		"available", report.Outcomes[OutcomeAvailable],
		"notified", report.Outcomes[OutcomeNotified],
		"deliveryFailed", report.Outcomes[OutcomeDeliveryFailed],
		"transient", report.Outcomes[OutcomeTransient],
		"permanent", report.Outcomes[OutcomePermanent],
		"departed", report.Outcomes[OutcomeDeparted])

	if e.opts.CycleSummaries && ctx.Err() == nil {
		e.sendSummaries(ctx, results)
	}

	e.lastMu.Lock()
	e.last = &report
	e.lastMu.Unlock()
	return report
}

// tripResult is one trip's outcome within a cycle.
type tripResult struct {
	trip    models.Trip
	outcome Outcome
}

// sendSummaries sends each owner one message listing their checked trips.
// Summaries are best effort and not retried.
func (e *Engine) sendSummaries(ctx context.Context, results []tripResult) {
	byOwner := make(map[string][]tripResult)
	var owners []string
	for _, r := range results {
		if r.outcome == OutcomeCanceled {
			continue
		}
		if _, ok := byOwner[r.trip.OwnerID]; !ok {
			owners = append(owners, r.trip.OwnerID)
		}
		byOwner[r.trip.OwnerID] = append(byOwner[r.trip.OwnerID], r)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		trips := byOwner[owner]
		sort.Slice(trips, func(i, j int) bool { return trips[i].trip.CreatedAt.Before(trips[j].trip.CreatedAt) })
		if err := e.sink.SendMessage(ctx, owner, cycleSummary(trips)); err != nil {
			slog.Warn("Engine.sendSummaries: summary not delivered", "userID", owner, "error", err)
		}
	}
}

// LastReport returns a copy of the most recent completed cycle report.
func (e *Engine) LastReport() (CycleReport, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return CycleReport{}, false
	}
	r := *e.last
	r.Outcomes = make(map[Outcome]int, len(e.last.Outcomes))
	for k, v := range e.last.Outcomes {
		r.Outcomes[k] = v
	}
	return r, true
}

// checkTrip probes one trip and applies the transition rule.
func (e *Engine) checkTrip(ctx context.Context, trip models.Trip) Outcome {
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	if trip.Departed(e.opts.Clock()) {
		return e.deactivate(ctx, trip, StopReasonDeparted, OutcomeDeparted)
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	res, err := e.probe.Check(probeCtx, trip)
	cancel()
	checkedAt := e.opts.Clock()

	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		if errors.Is(err, probe.ErrPermanent) {
			slog.Warn("Engine.checkTrip: permanent probe failure", "tripID", trip.ID, "error", err)
			return e.deactivate(ctx, trip, StopReasonNotFound, OutcomePermanent)
		}
		slog.Debug("Engine.checkTrip: transient probe failure", "tripID", trip.ID, "error", err)
		e.update(ctx, models.StatusUpdate{TripID: trip.ID, CheckedAt: checkedAt})
		return OutcomeTransient
	}

	switch res.Status {
	case models.TripStatusFull:
		if !e.update(ctx, models.StatusUpdate{
			TripID:      trip.ID,
			CheckedAt:   checkedAt,
			Status:      models.StatusPtr(models.TripStatusFull),
			NotifiedFor: models.StatusPtr(models.TripStatusFull),
		}) {
			return OutcomeSkipped
		}
		return OutcomeFull

	case models.TripStatusAvailable:
		if trip.NotifiedForStatus == models.TripStatusAvailable {
			if !e.update(ctx, models.StatusUpdate{
				TripID:    trip.ID,
				CheckedAt: checkedAt,
				Status:    models.StatusPtr(models.TripStatusAvailable),
			}) {
				return OutcomeSkipped
			}
			return OutcomeAvailable
		}
		return e.notifyAvailable(ctx, trip, res, checkedAt)

	default:
		slog.Warn("Engine.checkTrip: probe returned unusable status", "tripID", trip.ID, "status", res.Status)
		e.update(ctx, models.StatusUpdate{TripID: trip.ID, CheckedAt: checkedAt})
		return OutcomeTransient
	}
}

// notifyAvailable delivers the alert for a newly available trip and records it.
func (e *Engine) notifyAvailable(ctx context.Context, trip models.Trip, res probe.Result, checkedAt time.Time) Outcome {
	// The owner may have deleted the trip while it was being probed.
	current, err := e.store.GetTrip(ctx, trip.ID)
	if err != nil || !current.Active {
		slog.Debug("Engine.notifyAvailable: trip no longer active", "tripID", trip.ID)
		return OutcomeSkipped
	}

	if err := e.deliver(ctx, trip, AvailabilityAlert(trip, res)); err != nil {
		slog.Error("Engine.notifyAvailable: alert not delivered", "tripID", trip.ID, "error", err)
		e.update(ctx, models.StatusUpdate{
			TripID:    trip.ID,
			CheckedAt: checkedAt,
			Status:    models.StatusPtr(models.TripStatusAvailable),
		})
		return OutcomeDeliveryFailed
	}

	slog.Info("Engine.notifyAvailable: owner alerted", "tripID", trip.ID, "ownerID", trip.OwnerID)
	e.update(ctx, models.StatusUpdate{
		TripID:      trip.ID,
		CheckedAt:   checkedAt,
		Status:      models.StatusPtr(models.TripStatusAvailable),
		NotifiedFor: models.StatusPtr(models.TripStatusAvailable),
		Deactivate:  e.opts.NotifyPolicy == NotifyPolicyOnce,
	})
	return OutcomeNotified
}

// deliver sends body to the trip owner, retrying with exponential backoff.
func (e *Engine) deliver(ctx context.Context, trip models.Trip, body string) error {
	backoff := e.opts.DeliveryBackoff
	var lastErr error
	for attempt := 1; attempt <= e.opts.DeliveryAttempts; attempt++ {
		lastErr = e.sink.SendMessage(ctx, trip.OwnerID, body)
		if lastErr == nil {
			return nil
		}
		slog.Warn("Engine.deliver: send failed", "tripID", trip.ID, "attempt", attempt, "error", lastErr)
		if attempt == e.opts.DeliveryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &DeliveryError{TripID: trip.ID, UserID: trip.OwnerID, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &DeliveryError{TripID: trip.ID, UserID: trip.OwnerID, Attempts: e.opts.DeliveryAttempts, Err: lastErr}
}

// deactivate stops monitoring a trip and queues a single stop notice.
func (e *Engine) deactivate(ctx context.Context, trip models.Trip, reason StopReason, outcome Outcome) Outcome {
	if !e.update(ctx, models.StatusUpdate{TripID: trip.ID, CheckedAt: e.opts.Clock(), Deactivate: true}) {
		return OutcomeSkipped
	}
	slog.Info("Engine.deactivate: trip no longer monitored", "tripID", trip.ID, "reason", reason)
	if e.opts.StopNotices == nil {
		return outcome
	}

	payload, err := json.Marshal(StopPayload{TripID: trip.ID, Reason: string(reason), Body: StopNotice(trip, reason)})
	if err != nil {
		slog.Error("Engine.deactivate: marshal stop notice failed", "tripID", trip.ID, "error", err)
		return outcome
	}
	if _, err := e.opts.StopNotices.EnqueueOutboxMessage(context.WithoutCancel(ctx), trip.OwnerID, store.OutboxKindStopNotice, string(payload), "stopped:"+trip.ID); err != nil {
		slog.Error("Engine.deactivate: enqueue stop notice failed", "tripID", trip.ID, "error", err)
	}
	return outcome
}

// update applies a status write and reports whether the store accepted it.
// The write outlives ctx so that a delivered alert is recorded during shutdown.
func (e *Engine) update(ctx context.Context, u models.StatusUpdate) bool {
	applied, err := e.store.UpdateTripStatus(context.WithoutCancel(ctx), u)
	if err != nil {
		slog.Error("Engine.update: status write failed", "tripID", u.TripID, "error", err)
		return false
	}
	if !applied {
		slog.Debug("Engine.update: status write skipped", "tripID", u.TripID)
	}
	return applied
}
