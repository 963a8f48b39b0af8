package resilience

import "errors"

var (
	// ErrCircuitOpen is returned without attempting the call while the breaker
	// is open or the half-open probe budget is spent.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")
)
