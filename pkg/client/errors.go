package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidPayload is returned when a 2xx body is not a JSON list of objects.
	ErrInvalidPayload = errors.New("invalid registry payload")
)

// ErrorClass represents a classification of lookup failures.
type ErrorClass string

const (
	// ErrorClassNotFound represents 204 No Content (identifier does not exist).
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors (reset, refused, EOF, timeout).
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassUnexpectedStatus represents any other non-2xx status.
	ErrorClassUnexpectedStatus ErrorClass = "unexpected_status"

	// ErrorClassFormat represents an undecodable 2xx body.
	ErrorClassFormat ErrorClass = "format"
)

// RegistryError represents a failed lookup with additional context.
type RegistryError struct {
	Resource   registry.Resource
	ID         string
	StatusCode int
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry %s error (%s %s, status %d): %v",
			e.ErrorClass, e.Resource, e.ID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry %s error (%s %s, status %d)",
		e.ErrorClass, e.Resource, e.ID, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// consumesAttempt reports whether a failure of this class counts against
// the attempt budget.
func consumesAttempt(class ErrorClass) bool {
	switch class {
	case ErrorClassNetwork, ErrorClassUnexpectedStatus, ErrorClassFormat:
		return true
	default:
		return false
	}
}

// isConnectionError reports whether err is a dropped or refused connection,
// as opposed to e.g. a timeout.
func isConnectionError(err error) bool {
	if isTimeout(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
