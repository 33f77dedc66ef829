package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Default engine settings.
const (
	DefaultPollInterval        = 240 * time.Second
	DefaultMinPollGap          = 30 * time.Second
	DefaultMaxConcurrentProbes = 4
	DefaultProbeTimeout        = 90 * time.Second
	DefaultDeliveryAttempts    = 3
	DefaultDeliveryBackoff     = 2 * time.Second
)

// NotifyPolicy decides what happens to a trip after its availability alert
// has been delivered.
type NotifyPolicy string

const (
	// NotifyPolicyRearm keeps watching the trip; it alerts again if the
	// train fills up and later re-opens.
	NotifyPolicyRearm NotifyPolicy = "rearm"
	// NotifyPolicyOnce stops watching the trip after the first alert.
	NotifyPolicyOnce NotifyPolicy = "once"
)

// ParseNotifyPolicy parses a policy name. The empty string selects rearm.
func ParseNotifyPolicy(s string) (NotifyPolicy, error) {
	switch NotifyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NotifyPolicyRearm:
		return NotifyPolicyRearm, nil
	case NotifyPolicyOnce:
		return NotifyPolicyOnce, nil
	default:
		return "", fmt.Errorf("unknown notify policy %q (want rearm or once)", s)
	}
}

// Opts holds the engine configuration.
type Opts struct {
	PollInterval        time.Duration
	MinPollGap          time.Duration
	Jitter              time.Duration
	MaxConcurrentProbes int
	ProbeTimeout        time.Duration
	DeliveryAttempts    int
	DeliveryBackoff     time.Duration
	NotifyPolicy        NotifyPolicy
	StopNotices         NoticeQueue
	CycleSummaries      bool
	Clock               func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithPollInterval sets the nominal time between cycle starts.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithMinPollGap sets the minimum pause between the end of one cycle and the
// start of the next.
func WithMinPollGap(d time.Duration) Option {
	return func(o *Opts) {
		o.MinPollGap = d
	}
}

// WithJitter adds a random delay in [0, d) to every interval.
func WithJitter(d time.Duration) Option {
	return func(o *Opts) {
		o.Jitter = d
	}
}

// WithMaxConcurrentProbes bounds the number of probes in flight.
func WithMaxConcurrentProbes(n int) Option {
	return func(o *Opts) {
		o.MaxConcurrentProbes = n
	}
}

// WithProbeTimeout bounds a single probe call.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ProbeTimeout = d
	}
}

// WithDeliveryRetries sets how many times an alert is attempted within a
// cycle and the backoff before the first retry. The backoff doubles on
// every further retry.
func WithDeliveryRetries(attempts int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.DeliveryAttempts = attempts
		o.DeliveryBackoff = backoff
	}
}

// WithNotifyPolicy selects the post-alert policy.
func WithNotifyPolicy(p NotifyPolicy) Option {
	return func(o *Opts) {
		o.NotifyPolicy = p
	}
}

// WithStopNotices makes the engine tell owners when a trip stops being
// monitored. Without it, deactivation is silent.
func WithStopNotices(q NoticeQueue) Option {
	return func(o *Opts) {
		o.StopNotices = q
	}
}

// WithCycleSummaries sends every owner a summary of their trips after each
// cycle.
func WithCycleSummaries(enabled bool) Option {
	return func(o *Opts) {
		o.CycleSummaries = enabled
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

func (o *Opts) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MinPollGap < 0 {
		o.MinPollGap = 0
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.MaxConcurrentProbes <= 0 {
		o.MaxConcurrentProbes = DefaultMaxConcurrentProbes
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.DeliveryAttempts <= 0 {
		o.DeliveryAttempts = DefaultDeliveryAttempts
	}
	if o.DeliveryBackoff < 0 {
		o.DeliveryBackoff = 0
	}
	if o.NotifyPolicy == "" {
		o.NotifyPolicy = NotifyPolicyRearm
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
