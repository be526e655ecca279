package repositories

import (
	"errors"
	"fmt"
)

// StoreErrorKind classifies ledger store failures.
type StoreErrorKind string

const (
	// StoreErrorNotFound indicates the requested row or document does not exist.
	StoreErrorNotFound StoreErrorKind = "not_found"
	// StoreErrorConflict indicates a uniqueness or compare-and-set violation.
	StoreErrorConflict StoreErrorKind = "conflict"
	// StoreErrorUnavailable indicates the backend could not be reached or timed out.
	StoreErrorUnavailable StoreErrorKind = "unavailable"
	// StoreErrorUnknown represents an unclassified failure.
	StoreErrorUnknown StoreErrorKind = "unknown"
)

// StoreError implements RepositoryError for the SQL and in-memory ledgers.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Kind == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Kind == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }

// NewStoreError constructs a typed store error.
func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err carries not-found repository semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries conflict repository semantics.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries transient repository semantics.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
