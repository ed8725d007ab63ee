package txmanager

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrAdmission is returned by Begin when the active table is full.
	ErrAdmission = errors.New("transaction pool exhausted")
	// ErrInactiveTransaction is returned by operations on a finished transaction.
	ErrInactiveTransaction = errors.New("transaction is not active")
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("transaction timeout")
	// ErrDeadlock can be returned (or wrapped) by databases to mark a deadlock
	// without relying on driver-specific error types.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrManagerClosed is returned once Close has been called.
	ErrManagerClosed = errors.New("transaction manager closed")
)

// AdmissionError reports a Begin rejected because the manager is saturated.
type AdmissionError struct {
	Active int
	Limit  int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("transaction pool exhausted: %d of %d transactions active", e.Active, e.Limit)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmission }

// BeginError wraps a failure of the database to start a transaction.
type BeginError struct {
	Err error
}

func (e *BeginError) Error() string {
	return fmt.Sprintf("failed to begin transaction: %v", e.Err)
}

func (e *BeginError) Unwrap() error { return e.Err }

// InactiveTransactionError reports an operation attempted after the
// transaction reached a terminal status.
type InactiveTransactionError struct {
	ID     ID
	Op     string
	Status Status
}

func (e *InactiveTransactionError) Error() string {
	return fmt.Sprintf("cannot %s transaction %s: transaction is %s", e.Op, e.ID, e.Status)
}

func (e *InactiveTransactionError) Unwrap() error { return ErrInactiveTransaction }

// TimeoutError reports that a transaction exceeded its time budget.
type TimeoutError struct {
	ID      ID
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Transaction timeout: %s exceeded %s", e.ID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IsTimeout reports whether err came from a transaction timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// deadlockCodes are error codes known to mean "deadlock" across databases:
// PostgreSQL SQLSTATE 40P01, MySQL ER_LOCK_DEADLOCK and its symbolic names.
var deadlockCodes = []string{"40P01", "1213", "ER_LOCK_DEADLOCK", "DEADLOCK"}

// coder matches errors exposing a string code (pgconn.PgError-like types
// expose it as a field, so databases usually wrap them in a DeadlockDetector).
type coder interface {
	Code() string
}

// IsDeadlock reports whether err looks like a deadlock without any database
// specific knowledge: ErrDeadlock in the chain, an error exposing a known code,
// or, as a last resort, the word "deadlock" in the message.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeadlock) {
		return true
	}

	var c coder
	if errors.As(err, &c) && slices.Contains(deadlockCodes, strings.ToUpper(c.Code())) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "deadlock")
}
