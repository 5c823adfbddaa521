package api

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/robotlink/internal/infrastructure/config"
	"github.com/nerrad567/robotlink/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink/internal/protocol"
)

// wsSendBufferSize is how many encoded events a client may lag behind
// before it starts losing them.
const wsSendBufferSize = 256

// dropLogEvery limits drop warnings to the first and every n-th per client.
const dropLogEvery = 100

// Channels are the broadcast event types a relay client can select.
// New clients start subscribed to all of them.
var Channels = []string{protocol.EventTypeValues, protocol.EventTypeOperation}

// channelSet is a bitmask over Channels.
type channelSet uint8

func allChannels() channelSet { return channelSet(1)<<len(Channels) - 1 }

func channelBit(name string) (channelSet, bool) {
	i := slices.Index(Channels, name)
	if i < 0 {
		return 0, false
	}
	return channelSet(1) << i, true
}

func (s channelSet) names() []string {
	out := make([]string, 0, len(Channels))
	for i, name := range Channels {
		if s&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// ClientGauge receives the connected client count.
type ClientGauge interface {
	WebSocketClients(n int)
}

// Hub relays broadcast events to WebSocket clients. It is a broadcast
// sink: the publisher calls Publish once per event, in order, and Publish
// never waits on a client.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	gauge   ClientGauge
	closed  bool

	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// SetGauge reports client count changes to g.
func (h *Hub) SetGauge(g ClientGauge) {
	h.mu.Lock()
	h.gauge = g
	h.mu.Unlock()
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}

// register adds c. A client arriving after Close is stopped at once.
func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.stop()
		return
	}
	h.clients[c] = struct{}{}
	n, gauge := len(h.clients), h.gauge
	h.mu.Unlock()

	if gauge != nil {
		gauge.WebSocketClients(n)
	}
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// unregister removes and stops c. Calling it twice is harmless.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n, gauge := len(h.clients), h.gauge
	h.mu.Unlock()

	c.stop()
	if !ok {
		return
	}
	if gauge != nil {
		gauge.WebSocketClients(n)
	}
	h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
}

// Publish implements broadcast.Sink. The event is encoded once and queued
// on every subscribed client; a client whose buffer is full loses it.
func (h *Hub) Publish(_ context.Context, ev protocol.Event) error {
	bit, ok := channelBit(ev.Type)
	if !ok {
		return fmt.Errorf("websocket relay: unknown event type %q", ev.Type)
	}
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: ev.Type,
		Timestamp: wsTimestamp(),
		Payload:   ev,
	})
	if err != nil {
		return fmt.Errorf("encoding relay event: %w", err)
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(bit) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.noteDrop(c)
		}
	}
	return nil
}

func (h *Hub) noteDrop(c *wsClient) {
	h.dropped.Add(1)
	if n := c.dropped.Add(1); n == 1 || n%dropLogEvery == 0 {
		h.logger.Warn("websocket client lagging, events dropped",
			"subject", c.subject,
			"dropped", n,
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many client deliveries were lost to full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops every client and refuses new ones. Safe to call more than
// once.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	gauge := h.gauge
	h.mu.Unlock()

	for c := range clients {
		c.stop()
		if c.conn != nil {
			c.conn.Close()
		}
	}
	if gauge != nil && len(clients) > 0 {
		gauge.WebSocketClients(0)
	}
}

func wsTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
