package mqtt

import "fmt"

// maxPayloadSize caps a single message. Request and reply envelopes are a
// few hundred bytes; anything near this limit is a bug upstream.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement.
//
// Only device attribute values and system status are published retained.
// Requests, replies and broadcast events must not be, or a late subscriber
// would replay a stale operation.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, false); err != nil {
		return err
	}
	if err := checkQoS(qos); err != nil {
		return err
	}
	if n := len(payload); n > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes on %s (limit %d)", ErrPayloadTooLarge, n, topic, maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), defaultPublishTimeout, ErrPublish)
}
