package history

import (
	"context"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// MetricWriter accepts numeric attribute samples. The InfluxDB client
// implements it with non-blocking batched writes.
type MetricWriter interface {
	WriteAttributeMetric(robot, attribute string, value float64)
}

// TelemetrySink forwards numeric and boolean values to a MetricWriter.
// Strings and other types are ignored.
type TelemetrySink struct {
	writer    MetricWriter
	robot     string
	heartbeat string
}

// NewTelemetrySink creates a sink for one robot. Heartbeat-only events are
// skipped.
func NewTelemetrySink(writer MetricWriter, robot, heartbeat string) *TelemetrySink {
	return &TelemetrySink{writer: writer, robot: robot, heartbeat: heartbeat}
}

// Publish implements broadcast.Sink.
func (s *TelemetrySink) Publish(_ context.Context, ev protocol.Event) error {
	if ev.Type != protocol.EventTypeValues {
		return nil
	}
	if s.heartbeat != "" && ev.IsHeartbeat(s.heartbeat) {
		return nil
	}
	for _, name := range sortedKeys(ev.Data) {
		if v, ok := Numeric(ev.Data[name]); ok {
			s.writer.WriteAttributeMetric(s.robot, name, v)
		}
	}
	return nil
}

// Numeric converts numbers and booleans to float64.
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
