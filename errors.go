package datasink

import "errors"

// Sentinel errors returned by the Processor.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRegionNotSet is returned when no supported region is configured.
	ErrRegionNotSet = errors.New("supported region not set")

	// ErrStoreRequired is returned when the subscription store is nil.
	ErrStoreRequired = errors.New("subscription store is required")

	// ErrTransportRequired is returned when no transport option is given.
	ErrTransportRequired = errors.New("transport is required")

	// ErrAlreadyStarted is returned when Start is called on a running processor.
	ErrAlreadyStarted = errors.New("processor already started")

	// ErrNotStarted is returned when Stop is called on a processor that is not running.
	ErrNotStarted = errors.New("processor not started")

	// ErrInvalidRequest is returned by Handle for records that are neither an
	// add nor a cancel, including records that are not valid JSON.
	ErrInvalidRequest = errors.New("invalid subscription request")
)
