package extapi

import (
	"context"
	"sync/atomic"

	"invoice-dispatcher/internal/models"
)

// Simulator is a development stand-in for the live endpoint, selected by
// configuration in the worker wiring. It is deterministic: every FailEvery-th
// call reports a retryable status, the rest complete.
type Simulator struct {
	// FailEvery <= 0 disables simulated failures.
	FailEvery int

	calls atomic.Int64
}

func (s *Simulator) Process(_ context.Context, _ models.WorkItem) error {
	n := s.calls.Add(1)
	if s.FailEvery > 0 && n%int64(s.FailEvery) == 0 {
		return statusError(StatusError)
	}
	return nil
}
