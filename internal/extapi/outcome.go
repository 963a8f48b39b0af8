package extapi

import (
	"fmt"
	"strings"

	"invoice-dispatcher/internal/models"
)

// Class tags the result of one policy-wrapped outbound call.
type Class int

const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of Caller.Call: success, a retryable failure
// with local attempts already exhausted, or a permanent failure.
type Outcome struct {
	Class    Class
	Reason   string
	Attempts int

	// Defer marks process-wide infra conditions (credentials rejected, circuit
	// open, call budget exhausted) where the item itself was never judged.
	// Deferred items are left pending for redelivery instead of dead-lettered.
	Defer bool
}

// FailureType maps the outcome onto the dead-letter taxonomy.
func (o Outcome) FailureType() string {
	switch {
	case o.Defer:
		return models.FailureTransientInfra
	case o.Class == ClassPermanent:
		return models.FailureRemotePermanent
	default:
		return models.FailureRemoteRetryable
	}
}

// Response statuses of the external processing endpoint.
const (
	StatusCompleted = "COMPLETED"
	StatusNotSigned = "NO_FIRMADO"
	StatusNoWS1     = "NO_WS1"
	StatusNoWS2     = "NO_WS2"
	StatusNoZip     = "NO_ZIP"
	StatusError     = "ERROR"
)

// callError carries the retryability of a single failed attempt.
type callError struct {
	retryable bool
	reason    string
}

func (e *callError) Error() string { return e.reason }

func retryableErr(format string, args ...any) error {
	return &callError{retryable: true, reason: fmt.Sprintf(format, args...)}
}

func permanentErr(format string, args ...any) error {
	return &callError{retryable: false, reason: fmt.Sprintf(format, args...)}
}

// statusError interprets the endpoint's business status. Unrecognized statuses
// fail closed: they are permanent, never retried.
func statusError(status string) error {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusCompleted:
		return nil
	case StatusNotSigned, StatusNoWS1, StatusNoWS2, StatusNoZip, StatusError:
		return retryableErr("invoice not processed yet: status %s", status)
	default:
		return permanentErr("unrecognized status %q", status)
	}
}
