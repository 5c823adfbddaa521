package protocol

import (
	"encoding/json"
)

// Handle identifies one asynchronous operation for its whole lifecycle.
// Handles are positive and never reused within a server process.
type Handle uint64

// Stage is the lifecycle position reported by an operation event.
type Stage string

// Operation lifecycle stages.
const (
	StageStart  Stage = "start"
	StageUpdate Stage = "update"
	StageEnd    Stage = "end"
)

// Broadcast event types.
const (
	EventTypeValues    = "values"
	EventTypeOperation = "operation"
)

// ClientRequest asks the server to run a named operation.
type ClientRequest struct {
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
}

// RequestEnvelope carries a ClientRequest over a topic-based transport.
// ReplyTo names the session whose reply topic receives the Reply.
type RequestEnvelope struct {
	ReplyTo    string         `json:"reply_to"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
}

// Request returns the enclosed ClientRequest. Missing parameters read as
// an empty map.
func (e RequestEnvelope) Request() ClientRequest {
	params := e.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return ClientRequest{Operation: e.Operation, Parameters: params}
}

// Reply is the single response to a ClientRequest.
//
// Query replies carry Data; submission replies carry Handle. Data is nil
// exactly when Error is set.
type Reply struct {
	Error  *string        `json:"error"`
	Data   map[string]any `json:"data,omitempty"`
	Handle Handle         `json:"handle,omitempty"`
}

// QueryResult builds a successful query reply.
func QueryResult(data map[string]any) Reply {
	if data == nil {
		data = map[string]any{}
	}
	return Reply{Data: data}
}

// Failure builds a reply carrying only an error message.
func Failure(message string) Reply {
	return Reply{Error: ErrorString(message)}
}

// Submitted builds the reply for an accepted asynchronous submission.
func Submitted(h Handle) Reply {
	return Reply{Handle: h}
}

// Failed reports whether the reply carries an error.
func (r Reply) Failed() bool {
	return r.Error != nil
}

// ErrorMessage returns the error text, or "" when the reply succeeded.
func (r Reply) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// wire returns the shape that goes on the wire: {error, handle} for
// submissions and {error, data} for everything else.
func (r Reply) wire() map[string]any {
	var errVal any
	if r.Error != nil {
		errVal = *r.Error
	}
	if r.Handle != 0 {
		return map[string]any{"error": errVal, "handle": uint64(r.Handle)}
	}
	var data any
	if r.Error == nil {
		if r.Data == nil {
			data = map[string]any{}
		} else {
			data = r.Data
		}
	}
	return map[string]any{"error": errVal, "data": data}
}

// MarshalJSON implements json.Marshaler.
func (r Reply) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

// MarshalCBOR implements cbor.Marshaler.
func (r Reply) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(r.wire())
}

// Event is one message on the broadcast channel.
type Event struct {
	Type string `json:"type"`

	// Data holds attribute values for "values" events.
	Data map[string]any `json:"data,omitempty"`

	// Handle, Stage, Message and Error describe "operation" events.
	Handle  Handle  `json:"handle,omitempty"`
	Stage   Stage   `json:"stage,omitempty"`
	Message *string `json:"message,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// ValuesEvent builds a values event for a batch of attribute changes.
func ValuesEvent(values map[string]any) Event {
	return Event{Type: EventTypeValues, Data: values}
}

// OperationEvent builds a lifecycle event for a handle.
func OperationEvent(h Handle, stage Stage, message, errMsg *string) Event {
	return Event{
		Type:    EventTypeOperation,
		Handle:  h,
		Stage:   stage,
		Message: message,
		Error:   errMsg,
	}
}

// IsHeartbeat reports whether the event is a values update carrying only
// the given heartbeat attribute.
func (e Event) IsHeartbeat(attr string) bool {
	if e.Type != EventTypeValues || len(e.Data) != 1 {
		return false
	}
	_, ok := e.Data[attr]
	return ok
}

func (e Event) wire() map[string]any {
	if e.Type == EventTypeValues {
		data := e.Data
		if data == nil {
			data = map[string]any{}
		}
		return map[string]any{"type": e.Type, "data": data}
	}
	var msg, errVal any
	if e.Message != nil {
		msg = *e.Message
	}
	if e.Error != nil {
		errVal = *e.Error
	}
	return map[string]any{
		"type":    e.Type,
		"handle":  uint64(e.Handle),
		"stage":   string(e.Stage),
		"message": msg,
		"error":   errVal,
	}
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire())
}

// MarshalCBOR implements cbor.Marshaler.
func (e Event) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(e.wire())
}

// ErrorString returns a pointer to s, for optional error and message fields.
func ErrorString(s string) *string {
	return &s
}
