// Package coreerr defines the uniform error code enum (§6 of the design)
// returned by every core operation, plus a CoreError type that carries a
// code, a human message and an optional wrapped cause. It replaces typed
// exception hierarchies with a flat, serializable error surface, per the
// "Exceptions as control flow" re-architecture note.
package coreerr

import (
	"errors"
	"fmt"
)

// Code is one of the error codes returned on every core RPC operation.
type Code string

const (
	OK                   Code = "OK"
	Invalid              Code = "INVALID"
	NotFound             Code = "NOT_FOUND"
	Concurrency          Code = "CONCURRENCY"
	NoHandler            Code = "NO_HANDLER"
	RegistryUnavailable  Code = "REGISTRY_UNAVAILABLE"
	StorageTransient     Code = "STORAGE_TRANSIENT"
	StorageFatal         Code = "STORAGE_FATAL"
	BrokerUnavailable    Code = "BROKER_UNAVAILABLE"
	DeadlineExceeded     Code = "DEADLINE_EXCEEDED"
	Internal             Code = "INTERNAL"
)

// CoreError is the error type returned by core operations. It wraps an
// optional underlying cause with errors.Unwrap support so callers can use
// errors.Is/errors.As across the boundary.
type CoreError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New builds a CoreError with no wrapped cause.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap builds a CoreError that wraps cause, so errors.Is(err, cause) holds.
func Wrap(code Code, message string, cause error) *CoreError {
	return &CoreError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *CoreError,
// otherwise returns Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Internal
}

// Sentinel errors for conditions every component needs to test for with
// errors.Is, mirroring the split between sentinel errors and a richer
// custom error type for the cases that need more context.
var (
	ErrAggregateNotFound    = New(NotFound, "aggregate not found")
	ErrSequenceConflict     = New(Concurrency, "sequence number already taken")
	ErrInstanceNotFound     = New(NotFound, "instance not found")
	ErrNoHealthyInstance    = New(NoHandler, "no healthy instance for type")
	ErrSnapshotNotFound     = New(NotFound, "no snapshot for aggregate")
	ErrDuplicateHandlerType = New(Invalid, "duplicate type name in handler set")
)

// UniqueConstraintError reports that a claimed unique-index value is already
// held by a different aggregate. It implements Is so errors.Is matches
// against the Concurrency sentinel family while still exposing IndexName
// and Value to callers that need them.
type UniqueConstraintError struct {
	IndexName string
	Value     string
	OwnerID   string
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint %q violated for value %q (owned by %q)", e.IndexName, e.Value, e.OwnerID)
}

func (e *UniqueConstraintError) Is(target error) bool {
	ce, ok := target.(*CoreError)
	return ok && ce.Code == Concurrency
}

func NewUniqueConstraintError(indexName, value, ownerID string) *UniqueConstraintError {
	return &UniqueConstraintError{IndexName: indexName, Value: value, OwnerID: ownerID}
}
