package resilience

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of failures within Window that opens the circuit.
	// Default: 5.
	MaxFailures int

	// Window is the sliding window over which failures are counted.
	// Default: 1 minute.
	Window time.Duration

	// ResetTimeout is how long the circuit stays open before allowing probes.
	// Default: 30 seconds.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the number of probe calls allowed while half-open.
	// Default: 1.
	HalfOpenMaxCalls int

	// IsFailure decides whether an error counts against the window.
	// Default: every non-nil error.
	IsFailure func(err error) bool

	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to State)
}

// Breaker guards a downstream endpoint. One instance is shared across all
// concurrent callers of that endpoint.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    []time.Time
	openedAt    time.Time
	probesUsed  int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs op through the breaker. While open it returns ErrCircuitOpen
// without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := op(ctx)
	b.after(err)
	return err
}

// State reports the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probesUsed >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.probesUsed++
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	failed := b.cfg.IsFailure(err)

	switch b.stateLocked(now) {
	case StateClosed:
		if !failed {
			return
		}
		b.lastFailure = now
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.MaxFailures {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		if failed {
			// Probe failed, back to open with a fresh cooldown.
			b.lastFailure = now
			b.transitionLocked(StateOpen, now)
			return
		}
		b.transitionLocked(StateClosed, now)
	}
}

// stateLocked flips open → half-open once the cooldown has elapsed.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.probesUsed = 0
	case StateClosed:
		b.failures = b.failures[:0]
		b.probesUsed = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
