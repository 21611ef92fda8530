package dedup

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("patient not found")
	ErrTransaction = errors.New("merge transaction failed")
)

// ValidationError is a malformed request: bad threshold, a group with fewer
// than two members, or a canonical id missing from its group.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError lists patient ids that no longer exist at merge time,
// typically because the group was already merged.
type NotFoundError struct {
	IDs []PatientID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("patients not found (already merged?): %s", joinIDs(e.IDs, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransactionError wraps a store failure during a merge.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }

// asMergeError classifies err for a MergeResult. Validation and not-found
// errors pass through; pgx.ErrNoRows becomes a NotFoundError for ids and
// anything else is a TransactionError.
func asMergeError(op string, err error, ids ...PatientID) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrTransaction):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return &NotFoundError{IDs: ids}
	default:
		return &TransactionError{Op: op, Err: err}
	}
}
