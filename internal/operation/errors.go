package operation

import "errors"

// Domain errors for the operation package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, operation.ErrUnknownOperation) {
//	    // reply "operation does not exist"
//	}
var (
	// ErrDuplicateOperation is returned when registering a name twice.
	ErrDuplicateOperation = errors.New("operation: already registered")

	// ErrUnknownOperation is returned when looking up an unregistered name.
	ErrUnknownOperation = errors.New("operation: does not exist")

	// ErrInvalidDescriptor is returned when a descriptor is incomplete or its
	// handler does not match its kind.
	ErrInvalidDescriptor = errors.New("operation: invalid descriptor")

	// ErrIncorrectArguments is returned when parameters do not match the
	// declared schema.
	ErrIncorrectArguments = errors.New("operation: incorrect arguments")
)
