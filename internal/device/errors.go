package device

import "errors"

var (
	// ErrUnknownAttribute is returned for names outside Attributes.
	ErrUnknownAttribute = errors.New("device: unknown attribute")

	// ErrBusClosed is returned by Put after the bus has been closed.
	ErrBusClosed = errors.New("device: bus closed")

	// ErrMalformedUpdate is returned for client_update payloads that are not
	// a versioned SetAttribute message.
	ErrMalformedUpdate = errors.New("device: malformed update")

	// ErrUnrecognizedUpdate is returned when no handler is registered for the
	// update's attribute name.
	ErrUnrecognizedUpdate = errors.New("device: unrecognized update")

	// ErrInvalidUpdateFields is returned when an update's fields do not match
	// the registered handler.
	ErrInvalidUpdateFields = errors.New("device: invalid update fields")
)
