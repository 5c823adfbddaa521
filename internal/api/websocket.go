package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robotlink/internal/auth"
	"github.com/nerrad567/robotlink/internal/infrastructure/config"
)

// Relay message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// WSMessage is a frame sent to a relay client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is a frame received from a client. The payload is decoded
// once the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsClient is one relay connection. send is never closed; done tells the
// write pump to finish.
type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string

	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64

	mu   sync.Mutex
	subs channelSet
}

func newClient(h *Hub, conn *websocket.Conn, claims *auth.Claims) *wsClient {
	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
		subs: allChannels(),
	}
	if claims != nil {
		c.subject = claims.Subject
	}
	return c
}

func (c *wsClient) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue queues data without blocking. It reports false when the buffer
// is full; a stopped client swallows data silently.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) subscribed(bit channelSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs&bit != 0
}

// apply adds or removes channels and returns the resulting selection.
// Nothing changes when any name is unknown.
func (c *wsClient) apply(channels []string, subscribe bool) ([]string, string) {
	if len(channels) == 0 {
		return nil, "no channels given"
	}
	var mask channelSet
	for _, name := range channels {
		bit, ok := channelBit(name)
		if !ok {
			return nil, "unknown channel: " + name
		}
		mask |= bit
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if subscribe {
		c.subs |= mask
	} else {
		c.subs &^= mask
	}
	return c.subs.names(), ""
}

// wsTimings holds the connection deadlines derived from config.
type wsTimings struct {
	ping     time.Duration
	readWait time.Duration
	write    time.Duration
	maxRead  int64
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTimings{
		ping:     ping,
		readWait: ping + pong,
		write:    pong,
		maxRead:  int64(cfg.MaxMessageSize),
	}
}

// handleWebSocket upgrades to the relay protocol. Browsers cannot set
// headers on a handshake, so the JWT may come in the token query
// parameter instead of the Authorization header.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, ok := s.authenticate(w, r, token)
	if !ok {
		return
	}
	if !claims.Can(auth.PermRobotRead) {
		writeError(w, http.StatusForbidden, "permission "+string(auth.PermRobotRead)+" required")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}

	c := newClient(s.hub, conn, claims)
	s.hub.register(c)

	t := newWSTimings(s.wsCfg)
	go c.writePump(t)
	go c.readPump(t)
}

func (c *wsClient) readPump(t wsTimings) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(t.maxRead)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.readWait)) }
	//nolint:errcheck // a failed deadline surfaces as a read error
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces as a read error
		extend()
		c.handleFrame(data)
	}
}

func (c *wsClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(t.write))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			//nolint:errcheck // the peer may already be gone
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"))
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleFrame(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var p WSSubscribePayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				c.reply(req.ID, WSTypeError, errorPayload("invalid "+req.Type+" payload"))
				return
			}
		}
		subscribe := req.Type == WSTypeSubscribe
		current, problem := c.apply(p.Channels, subscribe)
		if problem != "" {
			c.reply(req.ID, WSTypeError, errorPayload(problem))
			return
		}
		key := "subscribed"
		if !subscribe {
			key = "unsubscribed"
		}
		c.reply(req.ID, WSTypeResponse, map[string]any{key: p.Channels, "channels": current})
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

// reply queues a control frame. Control frames share the event buffer, so
// a lagging client can lose them too.
func (c *wsClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: wsTimestamp(),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.hub.noteDrop(c)
	}
}
