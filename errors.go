package tokenshield

import (
	"errors"
	"fmt"

	"github.com/tokenshield/tokenshield/internal/tstypes"
)

// ErrUnknownModel is returned by the cost estimator when asked to price a
// model id it has no pricing entry for. Admission paths (breaker, user
// budget) surface it; ledger and router savings paths swallow it to
// saved=0 instead.
var ErrUnknownModel = tstypes.ErrUnknownModel

// ErrConfig marks invalid configuration. No constructor in this module
// returns an error wrapping it: tscache.New panics with a plain error when
// the band count does not divide the hash count.
var ErrConfig = errors.New("tokenshield: invalid configuration")

// BlockedError is returned by transformParams when a pre-call stage
// refuses admission. It is not retryable by the library itself; callers
// may retry after the window named by Reason elapses.
type BlockedError struct {
	Reason        string
	EstimatedCost float64
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tokenshield: blocked: %s", e.Reason)
}

// DownstreamError wraps an error returned by the caller-supplied
// generator function. It is always propagated verbatim to the caller
// after in-flight budget reservations are released.
type DownstreamError struct {
	Err error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("tokenshield: downstream generate failed: %v", e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// StorageError describes a failed persistence operation. The components
// do not construct it: a persistence failure is non-fatal, is emitted on
// the event bus as a tsevents.StorageErrorPayload, and is never returned
// from the operation that triggered it.
type StorageError struct {
	Module    string
	Operation string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("tokenshield: storage error in %s.%s: %v", e.Module, e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsBlocked reports whether err (or something it wraps) is a BlockedError.
func IsBlocked(err error) (*BlockedError, bool) {
	var b *BlockedError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}
