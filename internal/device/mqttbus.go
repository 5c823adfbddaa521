package device

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/nerrad567/robotlink/internal/infrastructure/mqtt"
)

// MQTTClient is the subset of the MQTT client the device buses use.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTBus reads attributes the device bridge publishes on
// robotlink/device/{robot}/attr/{name} and writes through
// robotlink/device/{robot}/put/{name}.
//
// The bridge is expected to retain attribute messages so a fresh subscription
// starts with the current values.
type MQTTBus struct {
	client MQTTClient
	robot  string
	qos    byte
	topics mqtt.Topics
	logger Logger

	mu     sync.RWMutex
	values map[string]any

	watchers watchers
}

// NewMQTTBus creates a bus for robot. Call Start to subscribe.
func NewMQTTBus(client MQTTClient, robot string, qos byte) *MQTTBus {
	return &MQTTBus{
		client: client,
		robot:  robot,
		qos:    qos,
		logger: noopLogger{},
		values: make(map[string]any),
	}
}

// SetLogger sets the logger for the bus.
func (b *MQTTBus) SetLogger(logger Logger) {
	b.logger = logger
}

// Start subscribes to the robot's attribute topics.
func (b *MQTTBus) Start() error {
	if err := b.client.Subscribe(b.topics.AllDeviceAttributes(b.robot), b.qos, b.handleMessage); err != nil {
		return fmt.Errorf("subscribing to device attributes: %w", err)
	}
	return nil
}

// Stop unsubscribes.
func (b *MQTTBus) Stop() error {
	return b.client.Unsubscribe(b.topics.AllDeviceAttributes(b.robot))
}

// Get implements AttributeBus.
func (b *MQTTBus) Get(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[name]
	return v, ok
}

// Values returns a copy of every received value.
func (b *MQTTBus) Values() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.values)
}

// Put implements AttributeBus. The local value is not changed until the
// bridge publishes it back.
func (b *MQTTBus) Put(ctx context.Context, name string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := b.client.Publish(b.topics.DevicePut(b.robot, name), payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing %s: %w", name, err)
	}
	return nil
}

// Watch implements AttributeBus.
func (b *MQTTBus) Watch(fn WatchFunc) func() {
	return b.watchers.add(fn)
}

func (b *MQTTBus) handleMessage(topic string, payload []byte) error {
	name, ok := b.topics.AttributeName(b.robot, topic)
	if !ok {
		b.logger.Debug("ignoring device topic", "topic", topic)
		return nil
	}
	value := DecodeValue(payload)

	b.mu.Lock()
	b.values[name] = value
	b.mu.Unlock()

	b.watchers.notify(name, value)
	return nil
}

// DecodeValue reads an attribute payload. JSON numbers, strings, booleans
// and null keep their type; anything else is returned as the raw text.
func DecodeValue(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	switch v.(type) {
	case map[string]any, []any:
		return string(payload)
	default:
		return v
	}
}

// bridgeQueueSize bounds writes waiting to be applied to the bridged bus.
const bridgeQueueSize = 64

type devicePut struct {
	name  string
	value any
}

// Bridge exposes a local bus on the device topics, so a Simulator can stand
// in for a real device bridge on the broker. Attribute changes are published
// retained; writes arriving on the put topics are applied to the bus, in
// order, from the bridge's own goroutine.
type Bridge struct {
	client MQTTClient
	bus    AttributeBus
	robot  string
	qos    byte
	topics mqtt.Topics
	logger Logger

	puts        chan devicePut
	done        chan struct{}
	cancelWatch func()
	stopOnce    sync.Once
}

// NewBridge creates a bridge for robot.
func NewBridge(client MQTTClient, bus AttributeBus, robot string, qos byte) *Bridge {
	return &Bridge{
		client: client,
		bus:    bus,
		robot:  robot,
		qos:    qos,
		logger: noopLogger{},
		puts:   make(chan devicePut, bridgeQueueSize),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the bridge.
func (br *Bridge) SetLogger(logger Logger) {
	br.logger = logger
}

// Start publishes the current values and begins relaying. values seeds the
// initial publish.
func (br *Bridge) Start(values map[string]any) error {
	for _, name := range attributes {
		if v, ok := values[name]; ok {
			br.publish(name, v)
		}
	}
	br.cancelWatch = br.bus.Watch(br.publish)
	go br.applyPuts()
	if err := br.client.Subscribe(br.topics.AllDevicePuts(br.robot), br.qos, br.handlePut); err != nil {
		br.cancelWatch()
		return fmt.Errorf("subscribing to device puts: %w", err)
	}
	return nil
}

// Stop ends relaying. Queued writes are dropped.
func (br *Bridge) Stop() error {
	err := br.client.Unsubscribe(br.topics.AllDevicePuts(br.robot))
	br.stopOnce.Do(func() { close(br.done) })
	if br.cancelWatch != nil {
		br.cancelWatch()
	}
	return err
}

func (br *Bridge) applyPuts() {
	for {
		select {
		case <-br.done:
			return
		case p := <-br.puts:
			if err := br.bus.Put(context.Background(), p.name, p.value); err != nil {
				br.logger.Warn("applying device write failed", "attribute", p.name, "error", err)
			}
		}
	}
}

func (br *Bridge) publish(name string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		br.logger.Warn("cannot encode attribute", "attribute", name, "error", err)
		return
	}
	if err := br.client.Publish(br.topics.DeviceAttribute(br.robot, name), payload, br.qos, true); err != nil {
		br.logger.Warn("publishing attribute failed", "attribute", name, "error", err)
	}
}

func (br *Bridge) handlePut(topic string, payload []byte) error {
	name, ok := br.topics.AttributeName(br.robot, topic)
	if !ok || !IsAttribute(name) {
		return nil
	}
	// Handlers must not block with ordered delivery, and the bus publishes
	// from inside Put, so hand off to applyPuts.
	select {
	case br.puts <- devicePut{name: name, value: DecodeValue(payload)}:
		return nil
	default:
		return fmt.Errorf("device: bridge queue full, dropping write to %s", name)
	}
}
