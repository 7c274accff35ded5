package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrIllegalTransition = errors.New("illegal workflow transition")
	ErrSameApprover      = errors.New("second approval must come from a different approver")
	ErrNothingPublished  = errors.New("record has no published version")
	// ErrTransactionAborted marks every fault that rolled an operation back.
	ErrTransactionAborted = errors.New("operation failed")
)

// ConflictError reports a write that lost the version race or targeted a
// record someone else deleted.
type ConflictError struct {
	Key       Key
	Status    EditStatus
	OwnerName string
	Version   Version
}

func (e *ConflictError) Error() string {
	switch e.Status {
	case DeletedByOther:
		return fmt.Sprintf("%s was deleted by %s", e.Key, e.OwnerName)
	default:
		return fmt.Sprintf("%s was edited by %s at %s", e.Key, e.OwnerName, e.Version)
	}
}

// ValidationError lists the fields that failed content checks.
type ValidationError struct {
	Fields map[string]string
}

func Invalid(field, problem string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: problem}}
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// TxError wraps a fault raised inside an operation's transaction. The cause
// is kept for logs; callers only see ErrTransactionAborted.
type TxError struct {
	Op  string
	Key Key
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TxError) Unwrap() []error {
	return []error{ErrTransactionAborted, e.Err}
}

// IsDomain reports whether err is an expected workflow outcome rather than a fault.
func IsDomain(err error) bool {
	var conflict *ConflictError
	var invalid *ValidationError
	switch {
	case errors.As(err, &conflict), errors.As(err, &invalid):
		return true
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrSameApprover),
		errors.Is(err, ErrNothingPublished):
		return true
	}
	return false
}
