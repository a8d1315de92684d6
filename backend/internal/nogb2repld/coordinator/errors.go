package coordinator

import (
	"errors"
	"fmt"

	"github.com/nogproject/nogb2/backend/internal/nogb2repld/worker"
)

var (
	ErrReplicationOff  = errors.New("replication is off")
	ErrNotInitialized  = errors.New("federation client not initialized")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrMissingItem     = errors.New("missing item")
	ErrNotReplicatable = errors.New("item not replicatable")
)

// `PreconditionError` tells that a replication request was rejected before
// dispatch.  Callers must not retry it unchanged.
type PreconditionError struct {
	Handle string
	// `Err` is one of the `Err*` precondition sentinels.
	Err error
	// `Cause` is an optional detail, like the eligibility error.
	Cause error
}

func (e *PreconditionError) Error() string {
	msg := e.Err.Error()
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	if e.Handle != "" {
		msg = fmt.Sprintf("handle `%s`: %s", e.Handle, msg)
	}
	return msg
}

// `Unwrap()` exposes both the sentinel and the cause to `errors.Is()`.
func (e *PreconditionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// `IsRetryable()` reports whether a rejected request may succeed later
// without operator action.
func IsRetryable(err error) bool {
	if err == nil || IsPrecondition(err) {
		return false
	}
	return errors.Is(err, worker.ErrQueueFull)
}

func precondition(handle string, sentinel, cause error) error {
	return &PreconditionError{
		Handle: handle,
		Err:    sentinel,
		Cause:  cause,
	}
}
