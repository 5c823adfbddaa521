package robot

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/robotlink/internal/device"
	"github.com/nerrad567/robotlink/internal/operation"
	"github.com/nerrad567/robotlink/internal/protocol"
	"github.com/nerrad567/robotlink/internal/server"
)

// Operation and update names.
const (
	OpAttributes = "attributes"
	OpRunTask    = "run_task"
	OpCalibrate  = "calibrate"
	OpSetMotors  = "set_motors"
	OpSetToolset = "set_toolset"
	OpExecute    = "execute"

	UpdateValues   = "values"
	UpdateProgress = "progress"
)

// CalibrateTask is the controller task run by the calibrate operation.
const CalibrateTask = "calibrate"

// ErrNoSuchHandle is returned by the progress update for a handle that is not
// in flight.
var ErrNoSuchHandle = errors.New("robot: no operation in flight for handle")

// Install registers the robot's operations and update handlers on srv.
func Install(srv *server.Server, r *device.Robot) error {
	ops := []operation.Descriptor{
		{Name: OpAttributes, Kind: operation.Query, Query: attributes},
		{
			Name: OpRunTask, Kind: operation.Foreground,
			Params: operation.ParamSchema{
				operation.Required("name", operation.TypeString),
				operation.Optional("args", operation.TypeString),
			},
			Task: runTask(r),
		},
		{
			Name: OpCalibrate, Kind: operation.Foreground,
			Params: operation.ParamSchema{operation.Required("target", operation.TypeString)},
			Task:   calibrate(r),
		},
		{
			Name: OpSetMotors, Kind: operation.Background,
			Params: operation.ParamSchema{operation.Required("value", operation.TypeNumber)},
			Task:   put(r, device.AttrMotorsOnCommand),
		},
		{
			Name: OpSetToolset, Kind: operation.Background,
			Params: operation.ParamSchema{operation.Required("value", operation.TypeString)},
			Task:   put(r, device.AttrToolsetCommand),
		},
		{
			Name: OpExecute, Kind: operation.Background,
			Params: operation.ParamSchema{operation.Required("attribute", operation.TypeString)},
			Task:   execute(r),
		},
	}

	reg := srv.Operations()
	for _, op := range ops {
		if err := reg.Register(op); err != nil {
			return fmt.Errorf("registering %s: %w", op.Name, err)
		}
	}

	updates := srv.Updates()
	if err := updates.Register(UpdateValues, valuesSchema(), republish(srv)); err != nil {
		return fmt.Errorf("registering %s update: %w", UpdateValues, err)
	}
	progressSchema := operation.ParamSchema{
		operation.Required("handle", operation.TypeNumber),
		operation.Required("message", operation.TypeString),
	}
	if err := updates.Register(UpdateProgress, progressSchema, progress(srv)); err != nil {
		return fmt.Errorf("registering %s update: %w", UpdateProgress, err)
	}
	return nil
}

func attributes(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"attributes": device.Attributes()}, nil
}

func runTask(r *device.Robot) operation.TaskFunc {
	return func(ctx context.Context, _ protocol.Handle, params map[string]any, report operation.Progress) (string, error) {
		name := operation.String(params, "name")
		report("running " + name)
		return r.RunTask(ctx, name, operation.String(params, "args"))
	}
}

func calibrate(r *device.Robot) operation.TaskFunc {
	return func(ctx context.Context, _ protocol.Handle, params map[string]any, report operation.Progress) (string, error) {
		target := operation.String(params, "target")
		report("calibrating " + target)
		return r.RunTask(ctx, CalibrateTask, target)
	}
}

func put(r *device.Robot, attr string) operation.TaskFunc {
	return func(ctx context.Context, _ protocol.Handle, params map[string]any, _ operation.Progress) (string, error) {
		value := params["value"]
		if err := r.Put(ctx, attr, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s set to %v", attr, value), nil
	}
}

func execute(r *device.Robot) operation.TaskFunc {
	return func(ctx context.Context, _ protocol.Handle, params map[string]any, _ operation.Progress) (string, error) {
		attr := operation.String(params, "attribute")
		if !device.IsAttribute(attr) {
			return "", protocol.NewDeviceError("unknown attribute %q", attr)
		}
		if err := r.Execute(ctx, attr); err != nil {
			return "", err
		}
		return attr + " executed", nil
	}
}

// valuesSchema accepts any subset of the controller attributes.
func valuesSchema() operation.ParamSchema {
	names := device.Attributes()
	schema := make(operation.ParamSchema, 0, len(names))
	for _, name := range names {
		schema = append(schema, operation.Optional(name, operation.TypeAny))
	}
	return schema
}

// republish broadcasts the update's fields as one values event.
func republish(srv *server.Server) device.UpdateFunc {
	return func(fields map[string]any) error {
		if len(fields) == 0 {
			return nil
		}
		return srv.Publisher().Values(fields)
	}
}

// progress forwards a controller progress message to the handle's callback.
func progress(srv *server.Server) device.UpdateFunc {
	return func(fields map[string]any) error {
		n, _ := operation.AsFloat(fields["handle"])
		if n < 1 || n != float64(uint64(n)) {
			return fmt.Errorf("%w: %v", ErrNoSuchHandle, fields["handle"])
		}
		h := protocol.Handle(n)
		if !srv.Dispatcher().Progress(h, operation.String(fields, "message")) {
			return fmt.Errorf("%w: %d", ErrNoSuchHandle, h)
		}
		return nil
	}
}
