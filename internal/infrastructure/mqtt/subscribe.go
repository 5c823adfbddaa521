package mqtt

import (
	"sort"
)

// Subscribe registers handler for topic, which may be a wildcard filter
// such as Topics.AllDeviceAttributes. A later Subscribe on the same filter
// replaces the handler.
//
// The filter is remembered and re-subscribed by the connect handler, so a
// server keeps hearing requests across broker restarts.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, true); err != nil {
		return err
	}
	if err := checkQoS(qos); err != nil {
		return err
	}
	if handler == nil {
		return ErrNilHandler
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	err := await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), defaultPublishTimeout, ErrSubscribe)
	if err != nil {
		return err
	}

	// Track only after the broker accepted, so a failed filter is not
	// replayed on reconnect.
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe drops the filter locally first, so it is not restored even
// when the broker round trip fails. Messages already queued may still reach
// the old handler.
func (c *Client) Unsubscribe(topic string) error {
	if err := checkTopic(topic, true); err != nil {
		return err
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Unsubscribe(topic), defaultPublishTimeout, ErrUnsubscribe)
}

// Subscriptions lists the tracked filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.subMu.RUnlock()
	sort.Strings(topics)
	return topics
}

// resubscribe replays every tracked filter. It runs on paho's connect
// callback, so it must not wait on the tokens it creates.
func (c *Client) resubscribe() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func(topic string) {
			if err := await(token, defaultPublishTimeout, ErrSubscribe); err != nil {
				c.log().Warn("MQTT resubscribe failed", "topic", topic, "error", err)
			}
		}(topic)
	}
}
