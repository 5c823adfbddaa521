package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Sentinel errors. Operation failures wrap one of ErrConnect, ErrPublish,
// ErrSubscribe or ErrUnsubscribe together with the broker's cause.
var (
	ErrNotConnected = errors.New("mqtt: broker connection down")

	ErrConnect     = errors.New("mqtt: connect")
	ErrPublish     = errors.New("mqtt: publish")
	ErrSubscribe   = errors.New("mqtt: subscribe")
	ErrUnsubscribe = errors.New("mqtt: unsubscribe")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic covers empty topics, wildcards in a publish topic and
	// misplaced wildcards in a filter.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
	ErrNilHandler      = errors.New("mqtt: nil message handler")

	// ErrTimeout is wrapped alongside the operation sentinel when the broker
	// does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: timed out")
)

// await blocks on a paho token for at most timeout and folds the outcome
// into op.
func await(token pahomqtt.Token, timeout time.Duration, op error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", op, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", op, err)
	}
	return nil
}

// checkTopic validates a publish topic (filter false) or a subscription
// filter (filter true). '+' must fill a whole level and '#' must be the
// last level.
func checkTopic(topic string, filter bool) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if !filter {
		if strings.ContainsAny(topic, "+#") {
			return fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
		}
		return nil
	}
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: '#' before the last level in %q", ErrInvalidTopic, topic)
		case level != "+" && level != "#" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard inside level %q of %q", ErrInvalidTopic, level, topic)
		}
	}
	return nil
}

func checkQoS(qos byte) error {
	if qos > maxQoS {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, qos)
	}
	return nil
}
