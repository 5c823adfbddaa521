package protocol

import (
	"errors"
	"fmt"
)

// Protocol-level error messages carried in Reply.Error and Event.Error.
const (
	MsgUnknownOperation   = "operation does not exist"
	MsgIncorrectArguments = "incorrect arguments"
	MsgBusy               = "busy"
	MsgInternal           = "internal error"
)

var (
	// ErrTransport is returned when the underlying channel fails. Callers
	// should rebuild the channel and refresh their state.
	ErrTransport = errors.New("protocol: transport failure")

	// ErrUnknownCodec is returned by CodecByName for unsupported encodings.
	ErrUnknownCodec = errors.New("protocol: unknown codec")
)

// DeviceError is a recognised failure raised by the device. Its message is
// passed to the caller verbatim.
type DeviceError struct {
	Message string
}

// NewDeviceError formats a DeviceError.
func NewDeviceError(format string, args ...any) *DeviceError {
	return &DeviceError{Message: fmt.Sprintf(format, args...)}
}

func (e *DeviceError) Error() string {
	return e.Message
}

// InvalidOperationError is returned to a client when the server rejected an
// asynchronous submission.
type InvalidOperationError struct {
	Operation string
	Message   string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %q: %s", e.Operation, e.Message)
}
