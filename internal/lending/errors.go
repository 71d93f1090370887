package lending

import "errors"

// Error kinds. Callers match them with errors.Is; the specific errors below
// unwrap to exactly one kind.
var (
	ErrNotFound             = errors.New("not found")
	ErrCapacity             = errors.New("capacity exhausted")
	ErrState                = errors.New("invalid state")
	ErrContention           = errors.New("contention")
	ErrNotificationDelivery = errors.New("notification delivery failed")
)

var (
	ErrResourceNotFound    = kindError(ErrNotFound, "resource not found")
	ErrLoanNotFound        = kindError(ErrNotFound, "loan not found")
	ErrReservationNotFound = kindError(ErrNotFound, "reservation not found")

	ErrDuplicateRequest = kindError(ErrCapacity, "active reservation already exists for this resource")
	ErrNoCopyAvailable  = kindError(ErrCapacity, "no copy available")

	ErrRenewalLimit = kindError(ErrState, "renewal limit reached")
	ErrInvalidState = kindError(ErrState, "operation not allowed in current status")
	ErrHoldExpired  = kindError(ErrState, "reservation hold has expired")
	ErrInvalidPatch = kindError(ErrState, "invalid loan patch")

	ErrLockTimeout    = kindError(ErrContention, "lock acquisition timed out")
	ErrRetryExhausted = kindError(ErrContention, "retries exhausted")
)

// ErrInvalidInput reports a malformed request (empty identifiers and the like).
var ErrInvalidInput = errors.New("invalid input")

type kindErr struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &kindErr{kind: kind, msg: msg}
}

func (e *kindErr) Error() string { return e.msg }

func (e *kindErr) Unwrap() error { return e.kind }
