package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget, including the first call.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the delay before the first retry. Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. Default: 30s.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor. Default: 2.0.
	Multiplier float64

	// Jitter adds up to 25% random variance to each delay. Default off.
	Jitter bool

	// RetryIf decides whether an error is worth another attempt.
	// Default: every non-nil error.
	RetryIf func(err error) bool

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry executes an operation with bounded, backed-off attempts.
type Retry struct {
	cfg RetryConfig
}

// NewRetry creates a retry handler with defaults applied.
func NewRetry(cfg RetryConfig) *Retry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return err != nil }
	}
	return &Retry{cfg: cfg}
}

// Execute runs op until it succeeds, returns a non-retryable error, exhausts
// the attempt budget, or the context is cancelled. The last error is returned.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.cfg.RetryIf(err) {
			return err
		}
		if attempt >= r.cfg.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// MaxAttempts reports the configured attempt budget.
func (r *Retry) MaxAttempts() int {
	return r.cfg.MaxAttempts
}

func (r *Retry) delay(attempt int) time.Duration {
	d := time.Duration(float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1)))
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if r.cfg.Jitter && d >= 4 {
		d += time.Duration(rand.Int63n(int64(d / 4)))
		if d > r.cfg.MaxDelay {
			d = r.cfg.MaxDelay
		}
	}
	return d
}
