package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// RefreshOperation is the query that returns the full attribute snapshot.
const RefreshOperation = "refresh"

// Options configures a Client.
type Options struct {
	// Delegate receives attribute notifications after the client's own
	// observers. Optional.
	Delegate *ObserverTable

	EventQueueSize  int
	PendingEventCap int
}

// Client combines a RequestChannel and a Listener for one robot.
type Client struct {
	channel   *RequestChannel
	listener  *Listener
	observers *ObserverTable
	logger    Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a client. requests and events are usually the same
// transport.
func New(requests RoundTripper, events EventSource, opts Options) *Client {
	observers := NewObserverTable()
	return &Client{
		channel: NewRequestChannel(requests),
		listener: NewListener(events, ListenerOptions{
			Local:           observers,
			Delegate:        opts.Delegate,
			QueueSize:       opts.EventQueueSize,
			PendingEventCap: opts.PendingEventCap,
		}),
		observers: observers,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger on the client and its loops.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
	c.channel.SetLogger(logger)
	c.listener.SetLogger(logger)
}

// Observers returns the table of attribute observers.
func (c *Client) Observers() *ObserverTable { return c.observers }

// Mirror returns the client's copy of the robot attributes.
func (c *Client) Mirror() *AttributeMirror { return c.listener.Mirror() }

// Start subscribes to the broadcast channel, starts the request loop and
// bootstraps the mirror with a refresh.
func (c *Client) Start(ctx context.Context) error {
	if err := c.listener.Start(); err != nil {
		return err
	}
	c.channel.Start()
	if _, err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	return nil
}

// Refresh reloads every attribute into the mirror and returns the snapshot.
// After a transport failure the caller rebuilds the client and refreshes.
//
// Attributes that a values event changed while the query was in flight keep
// the broadcast value. Refresh must not be called from an observer or
// callback.
func (c *Client) Refresh(ctx context.Context) (map[string]any, error) {
	c.listener.BeginRefresh()
	data, err := c.channel.Query(ctx, RefreshOperation, nil)
	if err != nil {
		c.listener.EndRefresh(nil)
		return nil, err
	}
	select {
	case <-c.listener.EndRefresh(data):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.logger.Debug("attribute mirror refreshed", "count", len(data))
	return data, nil
}

// Query runs a query operation.
func (c *Client) Query(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	return c.channel.Query(ctx, operation, params)
}

// Submit starts an asynchronous operation. cb, if not nil, receives every
// lifecycle event for the returned handle, including any broadcast before
// the submission reply arrived.
func (c *Client) Submit(ctx context.Context, operation string, params map[string]any, cb Callback) (protocol.Handle, error) {
	if cb == nil {
		return c.channel.Submit(ctx, operation, params)
	}

	c.listener.BeginSubmit()
	h, err := c.channel.Submit(ctx, operation, params)
	c.listener.Settle(h, cb)
	return h, err
}

// Close stops both loops.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.closeErr = c.listener.Close()
	})
	return c.closeErr
}

// IsTransportError reports whether err means the channel must be rebuilt.
func IsTransportError(err error) bool {
	return errors.Is(err, protocol.ErrTransport)
}
