package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// RoundTripper performs one request/reply exchange. Implementations report
// connection problems wrapped in protocol.ErrTransport.
type RoundTripper interface {
	RoundTrip(ctx context.Context, req protocol.ClientRequest) (protocol.Reply, error)
}

type exchange struct {
	ctx    context.Context
	req    protocol.ClientRequest
	result chan exchangeResult
}

type exchangeResult struct {
	reply protocol.Reply
	err   error
}

// RequestChannel serialises requests onto a transport that allows a single
// outstanding exchange. Callers hold one lock for the whole request to reply
// duration; the exchange itself is performed by a single transport loop.
type RequestChannel struct {
	transport RoundTripper
	logger    Logger

	// callMu is held by Call from enqueue until the reply is handed back.
	callMu sync.Mutex

	outbound chan exchange

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewRequestChannel creates a channel on transport. Call Start before use.
func NewRequestChannel(transport RoundTripper) *RequestChannel {
	return &RequestChannel{
		transport: transport,
		logger:    noopLogger{},
		outbound:  make(chan exchange, 1),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the channel.
func (c *RequestChannel) SetLogger(logger Logger) {
	c.logger = logger
}

// Start launches the transport loop.
func (c *RequestChannel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	go c.run()
}

// Close stops the loop after the exchange in progress, if any.
func (c *RequestChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.outbound)
	started := c.started
	c.mu.Unlock()

	if !started {
		for ex := range c.outbound {
			ex.result <- exchangeResult{err: ErrClosed}
		}
		close(c.done)
		return
	}
	<-c.done
}

// Call sends one request and returns its reply. Concurrent callers are
// served one after another in lock order.
func (c *RequestChannel) Call(ctx context.Context, operation string, params map[string]any) (protocol.Reply, error) {
	if params == nil {
		params = map[string]any{}
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	ex := exchange{
		ctx:    ctx,
		req:    protocol.ClientRequest{Operation: operation, Parameters: params},
		result: make(chan exchangeResult, 1),
	}
	if err := c.enqueue(ctx, ex); err != nil {
		return protocol.Reply{}, err
	}

	select {
	case res := <-ex.result:
		return res.reply, res.err
	case <-ctx.Done():
		return protocol.Reply{}, fmt.Errorf("client: awaiting reply to %s: %w", operation, ctx.Err())
	}
}

// Query runs a query operation. A reply error is returned as a
// *protocol.DeviceError carrying the server's message.
func (c *RequestChannel) Query(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	reply, err := c.Call(ctx, operation, params)
	if err != nil {
		return nil, err
	}
	if reply.Failed() {
		return nil, &protocol.DeviceError{Message: reply.ErrorMessage()}
	}
	if reply.Data == nil {
		return map[string]any{}, nil
	}
	return reply.Data, nil
}

// Submit starts an asynchronous operation and returns its handle. A reply
// error is returned as a *protocol.InvalidOperationError.
func (c *RequestChannel) Submit(ctx context.Context, operation string, params map[string]any) (protocol.Handle, error) {
	reply, err := c.Call(ctx, operation, params)
	if err != nil {
		return 0, err
	}
	if reply.Failed() {
		return 0, &protocol.InvalidOperationError{Operation: operation, Message: reply.ErrorMessage()}
	}
	if reply.Handle == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoHandle, operation)
	}
	return reply.Handle, nil
}

func (c *RequestChannel) enqueue(ctx context.Context, ex exchange) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.outbound <- ex:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("client: queueing %s: %w", ex.req.Operation, ctx.Err())
	}
}

func (c *RequestChannel) run() {
	defer close(c.done)
	for ex := range c.outbound {
		reply, err := c.transport.RoundTrip(ex.ctx, ex.req)
		if err != nil {
			c.logger.Warn("request exchange failed", "operation", ex.req.Operation, "error", err)
		}
		ex.result <- exchangeResult{reply: reply, err: err}
	}
}
