// Error taxonomy: every failure surfaces as an *Error carrying a stable code.

package dirdb

import (
	"errors"
	"fmt"

	"github.com/maruel/dirdb/internal/recfile"
)

// ErrorCode classifies store failures.
type ErrorCode string

const (
	// ErrorCodeValidationFailed is returned when an argument has the wrong
	// shape: nil record, bad database/table name, unsupported value type,
	// invalid order direction, no ids passed to Remove.
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrorCodeQueryConsumed is returned when a terminal operation runs on a
	// query that already executed one. Queries are single-use.
	ErrorCodeQueryConsumed ErrorCode = "QUERY_CONSUMED"
	// ErrorCodeNotFound is returned when table metadata is missing or an
	// update targets an id with no entry file.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeMissingIndexField is returned when a record lacks a value for
	// a declared index field.
	ErrorCodeMissingIndexField ErrorCode = "MISSING_INDEX_FIELD"
	// ErrorCodeNotIndexed is returned when a lookup or ordering references a
	// field that is not declared as an index.
	ErrorCodeNotIndexed ErrorCode = "NOT_INDEXED"
	// ErrorCodeUnsupportedPredicate is returned when a Where argument is not
	// a field-to-value map.
	ErrorCodeUnsupportedPredicate ErrorCode = "UNSUPPORTED_PREDICATE"
	// ErrorCodeStorageError is returned when a directory or file operation
	// fails.
	ErrorCodeStorageError ErrorCode = "STORAGE_ERROR"
	// ErrorCodeCorrupt is returned when a payload exists but cannot be
	// decoded: bad guard header, unknown version, malformed value data.
	ErrorCodeCorrupt ErrorCode = "CORRUPT_PAYLOAD"
)

// Error is the concrete error type returned by all store operations.
type Error struct {
	code       ErrorCode
	message    string
	wrappedErr error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error classification.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Wrap attaches an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// CodeOf returns the classification of err, or "" if err is not a store
// error. errors.Join aggregates report the first store error found.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// HasCode reports whether err carries the given classification.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func newError(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

func errValidation(format string, args ...any) *Error {
	return newError(ErrorCodeValidationFailed, fmt.Sprintf(format, args...))
}

func errConsumed() *Error {
	return newError(ErrorCodeQueryConsumed, "query already executed; start a new one with Table")
}

func errNotFound(resource string) *Error {
	return newError(ErrorCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func errMissingIndexField(field string) *Error {
	return newError(ErrorCodeMissingIndexField, fmt.Sprintf("record is missing indexed field %q", field))
}

func errNotIndexed(field string) *Error {
	return newError(ErrorCodeNotIndexed, fmt.Sprintf("field %q is not indexed", field))
}

func errUnsupportedPredicate(v any) *Error {
	return newError(ErrorCodeUnsupportedPredicate, fmt.Sprintf("predicate must be a field-to-value map, got %T", v))
}

func errStorage(message string, err error) *Error {
	return newError(ErrorCodeStorageError, message).Wrap(err)
}

// wrapRead classifies a failed payload read: decodable-but-broken content is
// corruption, everything else is a storage failure.
func wrapRead(what string, err error) *Error {
	if errors.Is(err, recfile.ErrCorrupt) {
		return newError(ErrorCodeCorrupt, fmt.Sprintf("failed to decode %s", what)).Wrap(err)
	}
	return errStorage(fmt.Sprintf("failed to read %s", what), err)
}
