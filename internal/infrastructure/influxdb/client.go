package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/robotlink/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// pinger is the part of influxdb2.Client used for health checks.
type pinger interface {
	Ping(ctx context.Context) (bool, error)
	Close()
}

// Client records numeric robot telemetry in InfluxDB.
//
// The library batches writes in the background, so WritePoint never blocks
// the broadcast publisher. Batch failures go to the SetOnError hook and are
// counted by WriteFailures.
type Client struct {
	server   pinger
	writeAPI pointWriter
	cfg      config.InfluxDBConfig

	closed   atomic.Bool
	failures atomic.Uint64

	mu      sync.RWMutex
	onError func(err error)
}

// Connect checks that the server answers a ping within ctx (or
// defaultConnectTimeout, whichever is sooner) and starts the batched
// writer.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch, flush := batchOptions(cfg)
	server := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(flush),
	)

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := ping(ctx, server); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	writeAPI := server.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(server, writeAPI, cfg)
	go c.drainErrors(writeAPI.Errors())
	return c, nil
}

// batchOptions returns the batch size and the flush interval in
// milliseconds, falling back to defaults for unset values.
func batchOptions(cfg config.InfluxDBConfig) (size, flushMillis uint) {
	size = defaultBatchSize
	if cfg.BatchSize > 0 {
		size = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return size, uint(flush.Milliseconds())
}

func ping(ctx context.Context, server pinger) error {
	healthy, err := server.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}

func newClient(server pinger, w pointWriter, cfg config.InfluxDBConfig) *Client {
	return &Client{server: server, writeAPI: w, cfg: cfg}
}

// drainErrors runs until the write API closes its error channel.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)
		c.mu.RLock()
		hook := c.onError
		c.mu.RUnlock()
		if hook != nil {
			hook(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// Close flushes pending points and releases the connection. Only the first
// call does anything.
func (c *Client) Close() error {
	if c == nil || c.server == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.server.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(ctx, c.server); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports false once Close has run. Use HealthCheck for a live
// probe.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// SetOnError installs the hook for background write failures.
func (c *Client) SetOnError(hook func(err error)) {
	c.mu.Lock()
	c.onError = hook
	c.mu.Unlock()
}

// WriteFailures returns how many batch writes the server rejected.
func (c *Client) WriteFailures() uint64 {
	return c.failures.Load()
}

// Flush blocks until buffered points are written. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
