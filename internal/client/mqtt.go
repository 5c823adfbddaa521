package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// ErrTransportBroken is wrapped into every RoundTrip error once an exchange
// has been abandoned, since a late reply would be taken for the next one.
var ErrTransportBroken = errors.New("client: transport broken")

// MQTTClient is the subset of the MQTT client the transport uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTTransport carries requests on robotlink/{robot}/request with a
// per-session reply topic, and events from robotlink/{robot}/broadcast.
// It implements both RoundTripper and EventSource.
type MQTTTransport struct {
	client  MQTTClient
	robot   string
	session string
	codec   protocol.Codec
	qos     byte
	topics  mqtt.Topics
	logger  Logger

	replies chan protocol.Reply

	mu      sync.Mutex
	started bool
	broken  bool
}

// NewMQTTTransport creates a transport with a fresh session id. A nil codec
// means JSON.
func NewMQTTTransport(client MQTTClient, robot string, codec protocol.Codec, qos byte) *MQTTTransport {
	if codec == nil {
		codec = protocol.JSON
	}
	return &MQTTTransport{
		client:  client,
		robot:   robot,
		session: uuid.NewString(),
		codec:   codec,
		qos:     qos,
		logger:  noopLogger{},
		replies: make(chan protocol.Reply, 1),
	}
}

// SetLogger sets the logger for the transport.
func (t *MQTTTransport) SetLogger(logger Logger) {
	t.logger = logger
}

// Session returns the id naming this transport's reply topic.
func (t *MQTTTransport) Session() string { return t.session }

// RoundTrip publishes req and waits for the reply on the session topic.
func (t *MQTTTransport) RoundTrip(ctx context.Context, req protocol.ClientRequest) (protocol.Reply, error) {
	if err := t.ensureReplies(); err != nil {
		return protocol.Reply{}, err
	}

	payload, err := t.codec.Marshal(protocol.RequestEnvelope{
		ReplyTo:    t.session,
		Operation:  req.Operation,
		Parameters: req.Parameters,
	})
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("encoding request %s: %w", req.Operation, err)
	}
	if err := t.client.Publish(t.topics.Request(t.robot), payload, t.qos, false); err != nil {
		return protocol.Reply{}, t.fail(fmt.Errorf("publishing request: %w", err))
	}

	select {
	case reply := <-t.replies:
		return reply, nil
	case <-ctx.Done():
		return protocol.Reply{}, t.fail(ctx.Err())
	}
}

// Subscribe implements EventSource.
func (t *MQTTTransport) Subscribe(fn func(ev protocol.Event)) error {
	return t.client.Subscribe(t.topics.Broadcast(t.robot), t.qos, func(_ string, payload []byte) error {
		var ev protocol.Event
		if err := t.codec.Unmarshal(payload, &ev); err != nil {
			t.logger.Warn("dropping undecodable broadcast event", "error", err)
			return nil
		}
		fn(ev)
		return nil
	})
}

// Unsubscribe implements EventSource.
func (t *MQTTTransport) Unsubscribe() error {
	return t.client.Unsubscribe(t.topics.Broadcast(t.robot))
}

// Close drops the reply subscription.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	return t.client.Unsubscribe(t.topics.Reply(t.robot, t.session))
}

func (t *MQTTTransport) ensureReplies() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, ErrTransportBroken)
	}
	if t.started {
		return nil
	}
	if err := t.client.Subscribe(t.topics.Reply(t.robot, t.session), t.qos, t.handleReply); err != nil {
		return fmt.Errorf("%w: subscribing to replies: %w", protocol.ErrTransport, err)
	}
	t.started = true
	return nil
}

func (t *MQTTTransport) handleReply(_ string, payload []byte) error {
	var reply protocol.Reply
	if err := t.codec.Unmarshal(payload, &reply); err != nil {
		t.logger.Warn("dropping undecodable reply", "error", err)
		return nil
	}
	select {
	case t.replies <- reply:
	default:
		t.logger.Warn("dropping unexpected reply", "session", t.session)
	}
	return nil
}

func (t *MQTTTransport) fail(err error) error {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
	return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
}
