package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Kind classifies why an operation was refused.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound means an item, borrower or loan does not exist.
	KindNotFound
	// KindStateConflict means the request is valid but current state forbids it.
	KindStateConflict
	// KindInvariantViolation means a counter would leave its bounds. Always a bug or a race.
	KindInvariantViolation
	// KindTransientStoreFailure means the store was busy or timed out; retry the whole call.
	KindTransientStoreFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindTransientStoreFailure:
		return "transient_store_failure"
	default:
		return "unknown"
	}
}

var (
	ErrItemNotFound            = errors.New("item not found")
	ErrBorrowerNotFound        = errors.New("borrower not found")
	ErrLoanNotFoundOrClosed    = errors.New("loan not found or already closed")
	ErrNoCopyAvailable         = errors.New("no copy available")
	ErrBorrowerNotEligible     = errors.New("borrower is not in normal standing")
	ErrBorrowLimitExceeded     = errors.New("borrow limit reached")
	ErrDuplicateLoan           = errors.New("borrower already holds this item")
	ErrInvalidLoanPeriod       = errors.New("loan period must be at least one day")
	ErrRenewLimitExceeded      = errors.New("renewal limit reached")
	ErrRenewalNotLater         = errors.New("renewal would not extend the due date")
	ErrItemHasOpenLoans        = errors.New("item has open loans")
	ErrBorrowerHasOpenLoans    = errors.New("borrower has open loans")
	ErrAvailabilityOutOfBounds = errors.New("available copies out of bounds")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrInvalidInput            = errors.New("invalid input")
)

var kinds = map[error]Kind{
	ErrItemNotFound:            KindNotFound,
	ErrBorrowerNotFound:        KindNotFound,
	ErrLoanNotFoundOrClosed:    KindStateConflict,
	ErrNoCopyAvailable:         KindStateConflict,
	ErrBorrowerNotEligible:     KindStateConflict,
	ErrBorrowLimitExceeded:     KindStateConflict,
	ErrDuplicateLoan:           KindStateConflict,
	ErrInvalidLoanPeriod:       KindStateConflict,
	ErrRenewLimitExceeded:      KindStateConflict,
	ErrRenewalNotLater:         KindStateConflict,
	ErrItemHasOpenLoans:        KindStateConflict,
	ErrBorrowerHasOpenLoans:    KindStateConflict,
	ErrInvalidInput:            KindStateConflict,
	ErrAvailabilityOutOfBounds: KindInvariantViolation,
	ErrStoreUnavailable:        KindTransientStoreFailure,
}

// EngineError is the typed error every lending operation returns.
// errors.Is matches the sentinel in Err; Cause holds the underlying driver error, if any.
type EngineError struct {
	Kind   Kind
	Err    error
	Detail string
	Cause  error
}

func (e *EngineError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func newError(sentinel error, format string, args ...any) *EngineError {
	return newErrorKind(kinds[sentinel], sentinel, format, args...)
}

func newErrorKind(kind Kind, sentinel error, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the whole operation may be retried from scratch.
func IsRetryable(err error) bool { return KindOf(err) == KindTransientStoreFailure }

// storeError wraps a failure from the database. Busy/locked conditions and
// deadlines become transient failures; an EngineError passes through untouched.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	if isTransient(err) {
		return &EngineError{Kind: KindTransientStoreFailure, Err: ErrStoreUnavailable, Detail: op, Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error, ext sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == ext
}
