package device

import "slices"

// Controller attribute names.
const (
	AttrRunArgs                = "run_args"
	AttrTaskMessage            = "task_message"
	AttrTaskProgress           = "task_progress"
	AttrTaskResult             = "task_result"
	AttrModel                  = "model"
	AttrTime                   = "time"
	AttrAtHome                 = "at_home"
	AttrMotorsOn               = "motors_on"
	AttrMotorsOnCommand        = "motors_on_command"
	AttrToolset                = "toolset"
	AttrToolsetCommand         = "toolset_command"
	AttrForegroundDone         = "foreground_done"
	AttrSystemErrorMessage     = "system_error_message"
	AttrForegroundError        = "foreground_error"
	AttrForegroundErrorMessage = "foreground_error_message"
	AttrSafetyGate             = "safety_gate"
	AttrGenericCommand         = "generic_command"
	AttrGenericFloatCommand    = "generic_float_command"
	AttrGenericStringCommand   = "generic_string_command"
	AttrClientUpdate           = "client_update"
	AttrClientResponse         = "client_response"
	AttrClosestPoint           = "closest_point"
)

var attributes = []string{
	AttrRunArgs,
	AttrTaskMessage,
	AttrTaskProgress,
	AttrTaskResult,
	AttrModel,
	AttrTime,
	AttrAtHome,
	AttrMotorsOn,
	AttrMotorsOnCommand,
	AttrToolset,
	AttrToolsetCommand,
	AttrForegroundDone,
	AttrSystemErrorMessage,
	AttrForegroundError,
	AttrForegroundErrorMessage,
	AttrSafetyGate,
	AttrGenericCommand,
	AttrGenericFloatCommand,
	AttrGenericStringCommand,
	AttrClientUpdate,
	AttrClientResponse,
	AttrClosestPoint,
}

var known = func() map[string]struct{} {
	m := make(map[string]struct{}, len(attributes))
	for _, a := range attributes {
		m[a] = struct{}{}
	}
	return m
}()

// Attributes returns the controller's attribute names in a stable order.
func Attributes() []string {
	return slices.Clone(attributes)
}

// IsAttribute reports whether name is a controller attribute.
func IsAttribute(name string) bool {
	_, ok := known[name]
	return ok
}
