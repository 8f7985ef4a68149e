package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the engine and its collaborators.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// External errors are wrapped with context using fmt.Errorf("%s: %w", msg, err).

// Store errors - returned by SubscriptionStore implementations.
var (
	// ErrNotFound is returned when a subscriber or filter record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSubscriberNotFound is returned when a filter is inserted for an unknown subscriber.
	ErrSubscriberNotFound = errors.New("subscriber does not exist")

	// ErrSubscriberExists is returned when CreateSubscriber finds the id taken,
	// typically by another replica sharing the store.
	ErrSubscriberExists = errors.New("subscriber already exists")

	// ErrFilterExists is returned when a second filter is inserted for the same subscriber.
	ErrFilterExists = errors.New("filter already exists for subscriber")

	// ErrSubscriberHasFilter is returned when a subscriber is deleted before its filter.
	ErrSubscriberHasFilter = errors.New("subscriber still owns a filter")

	// ErrStoreClosed is returned when an operation is attempted on a closed store.
	ErrStoreClosed = errors.New("store closed")
)

// Common errors - shared across components.
var (
	// ErrConnectivity indicates a NATS/KV connectivity issue.
	ErrConnectivity = errors.New("connectivity issue")

	// ErrElectionFailed is returned when a leadership request cannot be completed.
	ErrElectionFailed = errors.New("leader election failed")

	// ErrNoKeysFound is returned when NATS KV returns no keys (expected condition).
	ErrNoKeysFound = errors.New("no keys found")
)

// SubscriptionError is a request-scoped failure carrying the code reported to the requester.
type SubscriptionError struct {
	Code ResponseCode
	Msg  string
	Err  error
}

// NewSubscriptionError creates a SubscriptionError with the given code and message.
func NewSubscriptionError(code ResponseCode, msg string) *SubscriptionError {
	return &SubscriptionError{Code: code, Msg: msg}
}

// WrapSubscriptionError creates a SubscriptionError that wraps a cause.
func WrapSubscriptionError(code ResponseCode, msg string, err error) *SubscriptionError {
	return &SubscriptionError{Code: code, Msg: msg, Err: err}
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Msg, e.Code, e.Err)
	}

	return fmt.Sprintf("%s (%s)", e.Msg, e.Code)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the response code carried by err.
//
// Any error that is not a SubscriptionError maps to InternalServerError.
// A nil error maps to CodeNone.
func CodeOf(err error) ResponseCode {
	if err == nil {
		return CodeNone
	}

	var se *SubscriptionError
	if errors.As(err, &se) {
		return se.Code
	}

	return InternalServerError
}

// IsNoKeysFoundError checks if an error indicates that no keys were found in NATS KV.
//
// This function handles NATS-specific "no keys found" errors which may come as:
//   - Direct error: "nats: no keys found"
//   - Wrapped error: "failed to list KV keys: nats: no keys found"
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found, false otherwise
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
