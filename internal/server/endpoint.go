package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// ErrInvalidReplyTo is returned for envelopes whose reply_to cannot form a
// topic.
var ErrInvalidReplyTo = errors.New("server: invalid reply_to")

// MQTTClient is the subset of the MQTT client the endpoint uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTEndpoint receives request envelopes on robotlink/{robot}/request and
// publishes each reply on robotlink/{robot}/reply/{reply_to}.
//
// The subscription handler only decodes and enqueues, so the MQTT client's
// ordered delivery goroutine is never held by a running request.
type MQTTEndpoint struct {
	client MQTTClient
	loop   *RequestLoop
	robot  string
	codec  protocol.Codec
	qos    byte
	topics mqtt.Topics
	logger Logger
}

// NewMQTTEndpoint creates an endpoint. A nil codec means JSON.
func NewMQTTEndpoint(client MQTTClient, loop *RequestLoop, robot string, codec protocol.Codec, qos byte) *MQTTEndpoint {
	if codec == nil {
		codec = protocol.JSON
	}
	return &MQTTEndpoint{
		client: client,
		loop:   loop,
		robot:  robot,
		codec:  codec,
		qos:    qos,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the endpoint.
func (e *MQTTEndpoint) SetLogger(logger Logger) {
	e.logger = logger
}

// Start subscribes to the request topic.
func (e *MQTTEndpoint) Start() error {
	if err := e.client.Subscribe(e.topics.Request(e.robot), e.qos, e.handleRequest); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}
	e.logger.Info("request endpoint listening", "topic", e.topics.Request(e.robot), "codec", e.codec.Name())
	return nil
}

// Stop unsubscribes from the request topic.
func (e *MQTTEndpoint) Stop() error {
	return e.client.Unsubscribe(e.topics.Request(e.robot))
}

func (e *MQTTEndpoint) handleRequest(_ string, payload []byte) error {
	var env protocol.RequestEnvelope
	if err := e.codec.Unmarshal(payload, &env); err != nil {
		e.logger.Warn("dropping undecodable request", "error", err, "bytes", len(payload))
		return nil
	}
	if err := validReplyTo(env.ReplyTo); err != nil {
		e.logger.Warn("dropping request without reply topic", "operation", env.Operation, "error", err)
		return nil
	}

	replyTo := env.ReplyTo
	err := e.loop.Enqueue(env.Request(), func(reply protocol.Reply) {
		e.reply(replyTo, reply)
	})
	// Rejections are published off the delivery goroutine, which must not wait
	// on a publish acknowledgement.
	switch {
	case errors.Is(err, ErrQueueFull):
		e.logger.Warn("request queue full", "operation", env.Operation)
		go e.reply(replyTo, protocol.Failure(protocol.MsgBusy))
	case err != nil:
		e.logger.Warn("request refused", "operation", env.Operation, "error", err)
		go e.reply(replyTo, protocol.Failure(protocol.MsgInternal))
	}
	return nil
}

func (e *MQTTEndpoint) reply(replyTo string, reply protocol.Reply) {
	payload, err := e.codec.Marshal(reply)
	if err != nil {
		e.logger.Error("encoding reply failed", "reply_to", replyTo, "error", err)
		return
	}
	if err := e.client.Publish(e.topics.Reply(e.robot, replyTo), payload, e.qos, false); err != nil {
		e.logger.Error("publishing reply failed", "reply_to", replyTo, "error", err)
	}
}

func validReplyTo(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidReplyTo)
	}
	if strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("%w: %q", ErrInvalidReplyTo, s)
	}
	return nil
}
