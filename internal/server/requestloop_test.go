package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// handlerFunc adapts a function to Handler.
type handlerFunc func(ctx context.Context, req protocol.ClientRequest) protocol.Reply

func (f handlerFunc) Dispatch(ctx context.Context, req protocol.ClientRequest) protocol.Reply {
	return f(ctx, req)
}

func echoHandler() handlerFunc {
	return func(_ context.Context, req protocol.ClientRequest) protocol.Reply {
		return protocol.QueryResult(map[string]any{"operation": req.Operation})
	}
}

// replyRecorder collects replies from Enqueue callbacks.
type replyRecorder struct {
	mu      sync.Mutex
	replies []protocol.Reply
	done    chan struct{}
	want    int
}

func newReplyRecorder(want int) *replyRecorder {
	return &replyRecorder{done: make(chan struct{}), want: want}
}

func (r *replyRecorder) respond(reply protocol.Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	if len(r.replies) == r.want {
		close(r.done)
	}
}

func (r *replyRecorder) wait(t *testing.T) []protocol.Reply {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replies")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Reply(nil), r.replies...)
}

func TestRequestLoop_RepliesInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	handler := handlerFunc(func(_ context.Context, req protocol.ClientRequest) protocol.Reply {
		mu.Lock()
		inFlight++
		concurrent := inFlight
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		if concurrent > 1 {
			return protocol.Failure("concurrent dispatch")
		}
		return protocol.QueryResult(map[string]any{"n": req.Parameters["n"]})
	})

	loop := NewRequestLoop(handler, 32, 0)
	loop.Start()
	defer loop.Stop()

	rec := newReplyRecorder(20)
	for i := 0; i < 20; i++ {
		req := protocol.ClientRequest{Operation: "count", Parameters: map[string]any{"n": i}}
		if err := loop.Enqueue(req, rec.respond); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	for i, r := range rec.wait(t) {
		if r.Failed() {
			t.Fatalf("reply[%d] error = %s", i, r.ErrorMessage())
		}
		if r.Data["n"] != i {
			t.Fatalf("reply[%d].n = %v, want %d", i, r.Data["n"], i)
		}
	}
}

func TestRequestLoop_Submit(t *testing.T) {
	loop := NewRequestLoop(echoHandler(), 0, 0)
	loop.Start()
	defer loop.Stop()

	reply, err := loop.Submit(context.Background(), protocol.ClientRequest{Operation: "refresh"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if reply.Data["operation"] != "refresh" {
		t.Errorf("reply data = %v", reply.Data)
	}
}

func TestRequestLoop_SubmitContextExpires(t *testing.T) {
	release := make(chan struct{})
	loop := NewRequestLoop(handlerFunc(func(context.Context, protocol.ClientRequest) protocol.Reply {
		<-release
		return protocol.QueryResult(nil)
	}), 4, 0)
	loop.Start()
	defer func() {
		close(release)
		loop.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := loop.Submit(ctx, protocol.ClientRequest{Operation: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() error = %v, want deadline exceeded", err)
	}
}

func TestRequestLoop_TimeoutReachesHandler(t *testing.T) {
	loop := NewRequestLoop(handlerFunc(func(ctx context.Context, _ protocol.ClientRequest) protocol.Reply {
		<-ctx.Done()
		return protocol.Failure(ctx.Err().Error())
	}), 4, 10*time.Millisecond)
	loop.Start()
	defer loop.Stop()

	reply, err := loop.Submit(context.Background(), protocol.ClientRequest{Operation: "hang"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if reply.ErrorMessage() != context.DeadlineExceeded.Error() {
		t.Errorf("reply error = %q", reply.ErrorMessage())
	}
}

func TestRequestLoop_RecoversPanic(t *testing.T) {
	loop := NewRequestLoop(handlerFunc(func(_ context.Context, req protocol.ClientRequest) protocol.Reply {
		if req.Operation == "boom" {
			panic("handler bug")
		}
		return protocol.QueryResult(nil)
	}), 4, 0)
	loop.Start()
	defer loop.Stop()

	reply, err := loop.Submit(context.Background(), protocol.ClientRequest{Operation: "boom"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if reply.ErrorMessage() != protocol.MsgInternal {
		t.Errorf("reply error = %q, want %q", reply.ErrorMessage(), protocol.MsgInternal)
	}

	// The loop keeps serving.
	reply, err = loop.Submit(context.Background(), protocol.ClientRequest{Operation: "ok"})
	if err != nil || reply.Failed() {
		t.Errorf("follow-up Submit() = %+v, %v", reply, err)
	}
}

func TestRequestLoop_EnqueueQueueFull(t *testing.T) {
	loop := NewRequestLoop(echoHandler(), 1, 0)
	// Not started, so nothing drains the queue.
	if err := loop.Enqueue(protocol.ClientRequest{Operation: "a"}, func(protocol.Reply) {}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := loop.Enqueue(protocol.ClientRequest{Operation: "b"}, func(protocol.Reply) {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Enqueue() error = %v, want ErrQueueFull", err)
	}
	loop.Stop()
}

func TestRequestLoop_StopWithoutStartAnswersQueued(t *testing.T) {
	loop := NewRequestLoop(echoHandler(), 4, 0)
	rec := newReplyRecorder(2)
	_ = loop.Enqueue(protocol.ClientRequest{Operation: "a"}, rec.respond)
	_ = loop.Enqueue(protocol.ClientRequest{Operation: "b"}, rec.respond)
	loop.Stop()

	for i, r := range rec.wait(t) {
		if r.ErrorMessage() != protocol.MsgInternal {
			t.Errorf("reply[%d] error = %q, want %q", i, r.ErrorMessage(), protocol.MsgInternal)
		}
	}
}

func TestRequestLoop_StopDrainsQueue(t *testing.T) {
	loop := NewRequestLoop(echoHandler(), 8, 0)
	rec := newReplyRecorder(5)
	for i := 0; i < 5; i++ {
		_ = loop.Enqueue(protocol.ClientRequest{Operation: "q"}, rec.respond)
	}
	loop.Start()
	loop.Stop()

	for i, r := range rec.wait(t) {
		if r.Failed() {
			t.Errorf("reply[%d] error = %q", i, r.ErrorMessage())
		}
	}
	if loop.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop", loop.Pending())
	}
}

func TestRequestLoop_RejectsAfterStop(t *testing.T) {
	loop := NewRequestLoop(echoHandler(), 4, 0)
	loop.Start()
	loop.Stop()
	loop.Stop() // idempotent

	if err := loop.Enqueue(protocol.ClientRequest{Operation: "a"}, func(protocol.Reply) {}); !errors.Is(err, ErrLoopStopped) {
		t.Errorf("Enqueue() after Stop error = %v, want ErrLoopStopped", err)
	}
	if _, err := loop.Submit(context.Background(), protocol.ClientRequest{Operation: "a"}); !errors.Is(err, ErrLoopStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrLoopStopped", err)
	}
}
