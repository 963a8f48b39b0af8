package extapi

import (
	"context"
	"errors"
	"time"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/ratelimit"
	"invoice-dispatcher/internal/resilience"
	"invoice-dispatcher/internal/telemetry"
	"invoice-dispatcher/internal/token"
)

// Limiter is the shared outbound call budget consulted before every call.
type Limiter interface {
	Wait(ctx context.Context, key string, maxWait time.Duration) error
}

// CallerConfig wires the protection layers around a Transport.
type CallerConfig struct {
	Transport Transport
	Breaker   *resilience.Breaker
	Retry     *resilience.Retry

	// Limiter is optional; when nil no budget is enforced.
	Limiter     Limiter
	LimiterKey  string
	LimiterWait time.Duration
}

// Caller executes one outbound request through the layered policies, in order:
// rate limiter, circuit breaker, retry with backoff, timeout-bound attempt
// (the attempt's timeout lives in the Transport).
type Caller struct {
	cfg CallerConfig
}

// NewCaller composes the policy stack. Breaker and Retry are required; one
// Breaker instance must be shared by every Caller hitting the same endpoint.
func NewCaller(cfg CallerConfig) *Caller {
	if cfg.Retry == nil {
		cfg.Retry = resilience.NewRetry(resilience.RetryConfig{})
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewBreaker(resilience.BreakerConfig{IsFailure: CountsAgainstBreaker})
	}
	if cfg.LimiterKey == "" {
		cfg.LimiterKey = "ratelimit:extapi"
	}
	return &Caller{cfg: cfg}
}

// CountsAgainstBreaker reports whether an attempt error should count toward
// opening the circuit. Permanent business rejections do not; everything else
// (transport failures, retryable statuses, credential failures) does.
func CountsAgainstBreaker(err error) bool {
	var ce *callError
	if errors.As(err, &ce) {
		return ce.retryable
	}
	return err != nil
}

// Retryable reports whether an attempt error is worth another local attempt.
// Credential rejections are not retried here: hammering the identity provider
// cannot fix them within one call.
func Retryable(err error) bool {
	if errors.Is(err, token.ErrAuthenticationRejected) {
		return false
	}
	if errors.Is(err, token.ErrCredentialFetchTimeout) {
		return true
	}
	var ce *callError
	return errors.As(err, &ce) && ce.retryable
}

// Call runs the full policy stack for one work item and converts the result
// into the outcome taxonomy. It never panics and never blocks past the
// configured budgets.
func (c *Caller) Call(ctx context.Context, item models.WorkItem) Outcome {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx, c.cfg.LimiterKey, c.cfg.LimiterWait); err != nil {
			telemetry.RateLimitWaits.Inc()
			if errors.Is(err, ratelimit.ErrBudgetExhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.record(Outcome{Class: ClassRetryable, Reason: "outbound call budget exhausted", Defer: true})
			}
			// Limiter infrastructure failure: proceed unthrottled rather than
			// blocking the pipeline on the limiter itself.
		}
	}

	attempts := 0
	err := c.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
			attempts++
			return c.cfg.Transport.Process(ctx, item)
		})
	})

	switch {
	case err == nil:
		return c.record(Outcome{Class: ClassSuccess, Attempts: attempts})
	case errors.Is(err, resilience.ErrCircuitOpen):
		return c.record(Outcome{Class: ClassRetryable, Reason: "circuit breaker open", Attempts: attempts, Defer: true})
	case errors.Is(err, token.ErrAuthenticationRejected):
		return c.record(Outcome{Class: ClassRetryable, Reason: err.Error(), Attempts: attempts, Defer: true})
	case errors.Is(err, token.ErrCredentialFetchTimeout):
		return c.record(Outcome{Class: ClassRetryable, Reason: err.Error(), Attempts: attempts, Defer: true})
	}

	var ce *callError
	if errors.As(err, &ce) && !ce.retryable {
		return c.record(Outcome{Class: ClassPermanent, Reason: ce.reason, Attempts: attempts})
	}
	return c.record(Outcome{Class: ClassRetryable, Reason: err.Error(), Attempts: attempts})
}

func (c *Caller) record(o Outcome) Outcome {
	telemetry.CallOutcomes.WithLabelValues(o.Class.String()).Inc()
	return o
}
