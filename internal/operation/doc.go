// Package operation holds the server-side bookkeeping for robot operations:
// the registry of named operations, the handle counter and the exclusion gate
// that serialises foreground work.
//
// # Kinds
//
//   - Query: answered inline, never produces a handle.
//   - Background: asynchronous, never consults the Gate.
//   - Foreground: asynchronous, requires the Gate; rejected with "busy" on
//     contention rather than queued.
//
// # Usage
//
//	ops := operation.NewRegistry()
//	err := ops.RegisterTask("calibrate", operation.Foreground,
//	    operation.ParamSchema{operation.Required("target", operation.TypeString)},
//	    calibrate)
//
// Every server instance owns its own Registry, HandleRegistry and Gate.
package operation
