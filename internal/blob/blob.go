// Package blob abstracts the external object store the pipeline reads
// uploaded assets from. Stores address content by opaque ref and must
// distinguish transient failures (retryable) from permanent ones; the
// orchestrator's redelivery policy depends on that split.
package blob

import (
	"context"
	"errors"
	"fmt"
)

type Store interface {
	// Put stores the bytes and returns an opaque ref.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

const (
	CodeObjectNotFound = "E_OBJECT_NOT_FOUND"
	CodeUnreachable    = "E_STORE_UNREACHABLE"
	CodeWriteFailed    = "E_WRITE_FAILED"
	CodeReadFailed     = "E_READ_FAILED"
)

// Error wraps store failures with a retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// IsNotFound reports whether err is a permanent missing-object failure.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeObjectNotFound
}

// IsRetryable reports whether the failure is worth redelivering for.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
