package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// Sink receives every broadcast event, one at a time, from the Publisher loop.
type Sink interface {
	Publish(ctx context.Context, ev protocol.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev protocol.Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev protocol.Event) error {
	return f(ctx, ev)
}

// Fanout delivers each event to every sink in order. A failing sink does not
// stop delivery to the rest; the failures are joined.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(ctx context.Context, ev protocol.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MessagePublisher is the subset of the MQTT client used by MQTTSink.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink encodes events with a codec and publishes them on the robot's
// broadcast topic. Events are never retained.
type MQTTSink struct {
	client MessagePublisher
	topic  string
	codec  protocol.Codec
	qos    byte
}

// NewMQTTSink creates a sink publishing to robotlink/{robot}/broadcast.
func NewMQTTSink(client MessagePublisher, robot string, codec protocol.Codec, qos byte) *MQTTSink {
	if codec == nil {
		codec = protocol.JSON
	}
	return &MQTTSink{
		client: client,
		topic:  mqtt.Topics{}.Broadcast(robot),
		codec:  codec,
		qos:    qos,
	}
}

// Topic returns the broadcast topic.
func (s *MQTTSink) Topic() string {
	return s.topic
}

// Publish implements Sink.
func (s *MQTTSink) Publish(_ context.Context, ev protocol.Event) error {
	payload, err := s.codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	if err := s.client.Publish(s.topic, payload, s.qos, false); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Type, err)
	}
	return nil
}
