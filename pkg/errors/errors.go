// Package apperrors defines the error taxonomy shared across the trading core.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNetwork          = errors.New("network error")
	ErrRateLimitTimeout = errors.New("rate limit wait timed out")
	ErrExternalAPI      = errors.New("external api error")
	ErrExecution        = errors.New("execution error")
	ErrStorage          = errors.New("storage error")
	ErrWSConnection     = errors.New("websocket connection error")
	ErrInvalidCandle    = errors.New("invalid candle")
	ErrOrderNotFound    = errors.New("order not found")
	ErrSignalNotFound   = errors.New("signal not found")
	ErrLockNotAcquired  = errors.New("lock not acquired")
	ErrAuthFailed       = errors.New("authentication failed")
)

// ExecutionError carries an exchange retCode (or an internal code) for
// order-semantics failures: known reject codes, underfill after policy,
// fill timeout.
type ExecutionError struct {
	Code int
	Msg  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error: %s (code=%d)", e.Msg, e.Code)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// Internal execution codes used where no exchange retCode applies.
const (
	CodeUnderfill   = -1
	CodeFillTimeout = -2
	CodeKillSwitch  = -3
	CodeRiskReject  = -4
	CodeStaleSignal = -5
)

// StorageError wraps a driver failure with the SQLSTATE and the entity it
// concerned.
type StorageError struct {
	SQLState string
	Symbol   string
	EntityID string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (sqlstate=%s symbol=%s entity=%s): %v",
		e.SQLState, e.Symbol, e.EntityID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsUniqueViolation reports whether err is a storage error caused by a
// unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.SQLState == "23505"
}
