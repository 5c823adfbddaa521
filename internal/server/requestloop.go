package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/robotlink/internal/protocol"
)

var (
	// ErrLoopStopped is returned for requests arriving after Stop.
	ErrLoopStopped = errors.New("server: request loop stopped")

	// ErrQueueFull is returned by Enqueue when the request queue is full.
	ErrQueueFull = errors.New("server: request queue full")
)

// DefaultRequestQueueSize is used when the configured size is not positive.
const DefaultRequestQueueSize = 64

// Handler turns one request into its reply. The Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, req protocol.ClientRequest) protocol.Reply
}

// RespondFunc receives the reply for an enqueued request.
type RespondFunc func(reply protocol.Reply)

type exchange struct {
	ctx     context.Context
	req     protocol.ClientRequest
	respond RespondFunc
}

// RequestLoop is the server's single request processor. One goroutine takes
// exchanges off a FIFO and handles them strictly one at a time, so every
// request gets exactly one reply, in arrival order, whichever transport it
// came from.
type RequestLoop struct {
	handler Handler
	timeout time.Duration
	logger  Logger

	queue chan exchange

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewRequestLoop creates a loop. timeout bounds each Dispatch call; zero
// means no bound.
func NewRequestLoop(handler Handler, queueSize int, timeout time.Duration) *RequestLoop {
	if queueSize <= 0 {
		queueSize = DefaultRequestQueueSize
	}
	return &RequestLoop{
		handler: handler,
		timeout: timeout,
		logger:  noopLogger{},
		queue:   make(chan exchange, queueSize),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the loop.
func (l *RequestLoop) SetLogger(logger Logger) {
	l.logger = logger
}

// Start launches the processing goroutine. Later calls do nothing.
func (l *RequestLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	go l.run()
}

// Stop refuses new requests, answers everything already queued and returns
// once the loop has exited.
func (l *RequestLoop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.queue)
	started := l.started
	l.mu.Unlock()

	if !started {
		for ex := range l.queue {
			ex.respond(protocol.Failure(protocol.MsgInternal))
		}
		close(l.done)
		return
	}
	<-l.done
}

// Enqueue queues a request without blocking. respond is called exactly once,
// from the loop goroutine, unless Enqueue returns an error.
func (l *RequestLoop) Enqueue(req protocol.ClientRequest, respond RespondFunc) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoopStopped
	}
	select {
	case l.queue <- exchange{ctx: context.Background(), req: req, respond: respond}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit queues a request and waits for its reply.
func (l *RequestLoop) Submit(ctx context.Context, req protocol.ClientRequest) (protocol.Reply, error) {
	replies := make(chan protocol.Reply, 1)
	ex := exchange{ctx: ctx, req: req, respond: func(r protocol.Reply) { replies <- r }}

	if err := l.put(ctx, ex); err != nil {
		return protocol.Reply{}, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		// The loop still answers into the buffered channel.
		return protocol.Reply{}, fmt.Errorf("server: awaiting reply: %w", ctx.Err())
	}
}

func (l *RequestLoop) put(ctx context.Context, ex exchange) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoopStopped
	}
	select {
	case l.queue <- ex:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: queueing request: %w", ctx.Err())
	}
}

// Pending returns the number of queued requests.
func (l *RequestLoop) Pending() int {
	return len(l.queue)
}

func (l *RequestLoop) run() {
	defer close(l.done)
	for ex := range l.queue {
		ex.respond(l.handle(ex))
	}
}

func (l *RequestLoop) handle(ex exchange) (reply protocol.Reply) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("request handler panic recovered", "operation", ex.req.Operation, "panic", r)
			reply = protocol.Failure(protocol.MsgInternal)
		}
	}()

	ctx := ex.ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	l.logger.Debug("client request", "operation", ex.req.Operation, "parameters", ex.req.Parameters)
	return l.handler.Dispatch(ctx, ex.req)
}
