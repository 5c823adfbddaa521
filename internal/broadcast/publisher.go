package broadcast

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// ErrPublisherClosed is returned by submissions after Stop.
var ErrPublisherClosed = errors.New("broadcast: publisher closed")

// DefaultQueueSize is used when Options.QueueSize is not positive.
const DefaultQueueSize = 1024

// Logger defines the logging interface used by the Publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives publisher counters.
type Metrics interface {
	EventDelivered(eventType string)
	SinkFailed()
	QueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) EventDelivered(string) {}
func (noopMetrics) SinkFailed()           {}
func (noopMetrics) QueueDepth(int)        {}

// Options configures a Publisher.
type Options struct {
	// QueueSize bounds buffered events. Submissions block while it is full.
	QueueSize int

	// HeartbeatAttribute names the attribute whose lone updates are not
	// debug-logged. Empty disables the check.
	HeartbeatAttribute string

	Metrics Metrics
}

// Publisher owns the broadcast channel: a bounded FIFO drained by a single
// goroutine that hands every event to the Sink in submission order.
//
// Thread Safety:
//   - Submit, Values and OperationUpdate are safe for concurrent use.
//   - Events from one goroutine are delivered in the order submitted.
type Publisher struct {
	sink      Sink
	heartbeat string
	metrics   Metrics
	logger    Logger

	queue chan protocol.Event

	// mu guards closed; senders hold it for reading while they enqueue so
	// Stop never closes the queue under them.
	mu      sync.RWMutex
	closed  bool
	started bool

	// stopping wakes submissions blocked on a full queue so Stop can take mu.
	stopping chan struct{}
	stopOnce sync.Once

	done chan struct{}
}

// NewPublisher creates a Publisher delivering to sink. Call Start to begin
// draining the queue.
func NewPublisher(sink Sink, opts Options) *Publisher {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Publisher{
		sink:      sink,
		heartbeat: opts.HeartbeatAttribute,
		metrics:   metrics,
		logger:    noopLogger{},
		queue:     make(chan protocol.Event, size),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches the delivery loop. It must be called at most once.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.run()
}

// Stop refuses further submissions, delivers everything already queued and
// returns once the loop has exited. A publisher that was never started
// delivers the queue on the calling goroutine.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopping) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.run()
		return
	}
	<-p.done
}

// Submit enqueues an event, blocking while the queue is full. It fails with
// ErrPublisherClosed once Stop has been called, or with ctx's error if ctx
// ends first.
func (p *Publisher) Submit(ctx context.Context, ev protocol.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.queue <- ev:
		p.metrics.QueueDepth(len(p.queue))
		return nil
	case <-p.stopping:
		return ErrPublisherClosed
	case <-ctx.Done():
		return fmt.Errorf("broadcast: submit: %w", ctx.Err())
	}
}

// Values broadcasts a batch of attribute changes. The map is copied.
func (p *Publisher) Values(values map[string]any) error {
	return p.Submit(context.Background(), protocol.ValuesEvent(maps.Clone(values)))
}

// OperationUpdate broadcasts a lifecycle event for a handle.
func (p *Publisher) OperationUpdate(h protocol.Handle, stage protocol.Stage, message, errMsg *string) error {
	return p.Submit(context.Background(), protocol.OperationEvent(h, stage, message, errMsg))
}

// Pending returns the number of queued, undelivered events.
func (p *Publisher) Pending() int {
	return len(p.queue)
}

func (p *Publisher) run() {
	defer close(p.done)

	ctx := context.Background()
	for ev := range p.queue {
		p.deliver(ctx, ev)
	}
}

func (p *Publisher) deliver(ctx context.Context, ev protocol.Event) {
	if p.heartbeat == "" || !ev.IsHeartbeat(p.heartbeat) {
		switch ev.Type {
		case protocol.EventTypeOperation:
			p.logger.Debug("broadcasting operation event",
				"handle", ev.Handle,
				"stage", string(ev.Stage),
			)
		default:
			p.logger.Debug("broadcasting values", "count", len(ev.Data))
		}
	}

	if err := p.sink.Publish(ctx, ev); err != nil {
		p.metrics.SinkFailed()
		p.logger.Warn("broadcast sink failed",
			"type", ev.Type,
			"error", err,
		)
		return
	}
	p.metrics.EventDelivered(ev.Type)
}
