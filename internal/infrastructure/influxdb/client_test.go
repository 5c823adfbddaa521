package influxdb

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/robotlink/internal/infrastructure/config"
)

type fakeServer struct {
	healthy bool
	err     error
	closed  bool
}

func (f *fakeServer) Ping(context.Context) (bool, error) { return f.healthy, f.err }
func (f *fakeServer) Close()                             { f.closed = true }

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func newTestClient() (*Client, *fakeServer, *fakeWriter) {
	server := &fakeServer{healthy: true}
	w := &fakeWriter{}
	return newClient(server, w, config.InfluxDBConfig{Enabled: true}), server, w
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestConnect_Disabled(t *testing.T) {
	if _, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:59999", Org: "o", Bucket: "b"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteAttributeMetric(t *testing.T) {
	c, _, w := newTestClient()
	c.WriteAttributeMetric("arm-1", "speed_ratio", 0.75)

	if len(w.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != MeasurementAttribute {
		t.Errorf("measurement = %q", p.Name())
	}
	if got := tags(p); got["robot"] != "arm-1" || got["attribute"] != "speed_ratio" {
		t.Errorf("tags = %v", got)
	}
	if got := fields(p); got["value"] != 0.75 {
		t.Errorf("fields = %v", got)
	}
}

func TestWritePoint_KeepsTimestamp(t *testing.T) {
	c, _, w := newTestClient()
	ts := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	c.writePoint("custom", map[string]string{"k": "v"}, map[string]any{"n": 1.0}, ts)
	if !w.points[0].Time().Equal(ts) {
		t.Errorf("time = %v, want %v", w.points[0].Time(), ts)
	}
}

func TestClose(t *testing.T) {
	c, server, w := newTestClient()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !server.closed || w.flushes != 1 {
		t.Errorf("closed=%v flushes=%d", server.closed, w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	c.WriteAttributeMetric("arm-1", "x", 1)
	c.Flush()
	if len(w.points) != 0 || w.flushes != 1 {
		t.Error("writes after Close were not dropped")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		healthy bool
		err     error
		wantErr bool
	}{
		{"healthy", true, nil, false},
		{"unhealthy", false, nil, true},
		{"ping error", false, errors.New("refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, server, _ := newTestClient()
			server.healthy, server.err = tt.healthy, tt.err
			if err := c.HealthCheck(context.Background()); (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDrainErrors(t *testing.T) {
	c, _, _ := newTestClient()
	got := make(chan error, 2)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 2)
	errs <- errors.New("batch rejected")
	errs <- errors.New("bucket missing")
	close(errs)
	c.drainErrors(errs)

	if len(got) != 2 || c.WriteFailures() != 2 {
		t.Fatalf("hook calls = %d, failures = %d, want 2", len(got), c.WriteFailures())
	}
	if err := <-got; !errors.Is(err, ErrWriteFailed) {
		t.Errorf("hook error = %v, want ErrWriteFailed", err)
	}
}

func TestDrainErrors_NoHook(t *testing.T) {
	c, _, _ := newTestClient()
	errs := make(chan error, 1)
	errs <- errors.New("batch rejected")
	close(errs)
	c.drainErrors(errs)
	if c.WriteFailures() != 1 {
		t.Errorf("WriteFailures() = %d, want 1", c.WriteFailures())
	}
}

func TestBatchOptions(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.InfluxDBConfig
		wantSize  uint
		wantFlush uint
	}{
		{"defaults", config.InfluxDBConfig{}, defaultBatchSize, 10000},
		{"configured", config.InfluxDBConfig{BatchSize: 500, FlushInterval: 2}, 500, 2000},
		{"negative", config.InfluxDBConfig{BatchSize: -1, FlushInterval: -5}, defaultBatchSize, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, flush := batchOptions(tt.cfg)
			if size != tt.wantSize || flush != tt.wantFlush {
				t.Errorf("batchOptions() = %d, %d; want %d, %d", size, flush, tt.wantSize, tt.wantFlush)
			}
		})
	}
}

func TestWriteAttributeMetric_NonFinite(t *testing.T) {
	c, _, w := newTestClient()
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		c.WriteAttributeMetric("arm-1", "speed_ratio", v)
	}
	if len(w.points) != 0 {
		t.Errorf("wrote %d non-finite points", len(w.points))
	}
}
