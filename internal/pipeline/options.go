package pipeline

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// RetryPolicy bounds per-stage retries. Delays double from BaseDelay up
// to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Options configures a batch run.
type Options struct {
	// Force bypasses the dedup check entirely, reprocessing every
	// discovered file.
	Force bool

	// DryRun performs discovery and dedup filtering and logs intended
	// actions, invoking no mutating collaborator.
	DryRun bool

	// Workers caps simultaneous in-flight stage executions.
	Workers int

	// StopOnError aborts the batch on the first permanently failed
	// file. Off by default: one file's failure never aborts the batch.
	StopOnError bool

	// Timeout bounds the whole batch; zero means no limit. Files that
	// have not reached a terminal state when it expires are reported
	// failed with ClassBatchTimeout.
	Timeout time.Duration

	// RatePerSecond caps the request rate against quota-limited
	// collaborators, independently of Workers. Zero means unlimited.
	RatePerSecond float64

	Retry  RetryPolicy
	Clock  Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = defaultMaxAttempts
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = defaultBaseDelay
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = defaultMaxDelay
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.RatePerSecond <= 0 {
		return nil
	}
	burst := int(o.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RatePerSecond), burst)
}
