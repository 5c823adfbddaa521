package dispatch

import (
	"context"
	"runtime/debug"

	"github.com/nerrad567/robotlink/internal/operation"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// strategy runs one validated request for a particular operation kind.
type strategy interface {
	run(ctx context.Context, desc *operation.Descriptor, params map[string]any) protocol.Reply
}

// queryStrategy runs the handler inline and returns its data.
type queryStrategy struct{ d *Dispatcher }

func (s queryStrategy) run(ctx context.Context, desc *operation.Descriptor, params map[string]any) protocol.Reply {
	var data map[string]any
	errMsg := s.d.invoke(desc.Name, 0, func() error {
		var err error
		data, err = desc.Query(ctx, params)
		return err
	})
	if errMsg != nil {
		return protocol.Failure(*errMsg)
	}
	return protocol.QueryResult(data)
}

// backgroundStrategy runs the handler on its own goroutine without the Gate.
type backgroundStrategy struct{ d *Dispatcher }

func (s backgroundStrategy) run(_ context.Context, desc *operation.Descriptor, params map[string]any) protocol.Reply {
	d := s.d
	h := d.handles.Next()
	d.begin(h)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		message, errMsg := d.runTask(desc, h, params)
		d.end(h, desc, message, errMsg)
	}()

	return protocol.Submitted(h)
}

// foregroundStrategy runs the handler on its own goroutine while holding the
// Gate. Contention is reported as a busy End event, never queued.
type foregroundStrategy struct{ d *Dispatcher }

func (s foregroundStrategy) run(_ context.Context, desc *operation.Descriptor, params map[string]any) protocol.Reply {
	d := s.d
	h := d.handles.Next()
	d.begin(h)

	if !d.isReady() || !d.gate.TryAcquire() {
		d.logger.Info("foreground operation rejected",
			"operation", desc.Name,
			"handle", h,
			"reason", protocol.MsgBusy,
		)
		d.end(h, desc, nil, protocol.ErrorString(protocol.MsgBusy))
		return protocol.Submitted(h)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		message, errMsg := func() (*string, *string) {
			defer d.gate.Release()
			return d.runTask(desc, h, params)
		}()
		d.end(h, desc, message, errMsg)
	}()

	return protocol.Submitted(h)
}

// runTask calls a task handler and returns the End event's message and error.
func (d *Dispatcher) runTask(desc *operation.Descriptor, h protocol.Handle, params map[string]any) (message, errMsg *string) {
	var result string
	errMsg = d.invoke(desc.Name, h, func() error {
		var err error
		result, err = desc.Task(d.ctx, h, params, func(msg string) {
			d.Progress(h, msg)
		})
		return err
	})
	if errMsg == nil {
		message = &result
	}
	return message, errMsg
}

// invoke runs fn, turning its failure into the client-visible error message.
// DeviceError text passes through verbatim; any other error or a panic is
// logged and reported as a generic internal error.
func (d *Dispatcher) invoke(op string, h protocol.Handle, fn func() error) (errMsg *string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("operation handler panicked",
				"operation", op,
				"handle", h,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			errMsg = protocol.ErrorString(protocol.MsgInternal)
		}
	}()

	err := fn()
	if err == nil {
		return nil
	}
	if msg, ok := deviceErrorMessage(err); ok {
		d.logger.Info("operation failed",
			"operation", op,
			"handle", h,
			"error", msg,
		)
		return protocol.ErrorString(msg)
	}
	d.logger.Error("operation handler failed unexpectedly",
		"operation", op,
		"handle", h,
		"error", err,
	)
	return protocol.ErrorString(protocol.MsgInternal)
}
