package inference

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestPool(t *testing.T, response string) *Pool {
	t.Helper()
	cfg := &PoolConfig{
		Workers:           2,
		QueueSize:         16,
		RequestsPerSecond: 1000,
		Burst:             16,
	}
	p := NewPool(stubClient(t, response), cfg)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func TestPoolGenerateSync(t *testing.T) {
	p := newTestPool(t, "pooled response")

	res, err := p.GenerateSync(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Response != "pooled response" {
		t.Errorf("response = %q", res.Response)
	}
}

func TestPoolConcurrentCallers(t *testing.T) {
	p := newTestPool(t, "ok")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GenerateSync(context.Background(), "prompt"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent call: %v", err)
	}

	m := p.Metrics()
	if m.TotalRequests != 8 || m.CompletedOK != 8 || m.CompletedError != 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Inflight != 0 {
		t.Errorf("inflight = %d after completion", m.Inflight)
	}
	if m.AverageLatency <= 0 {
		t.Errorf("average latency = %v", m.AverageLatency)
	}
}

func TestPoolCancelledContext(t *testing.T) {
	p := newTestPool(t, "ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.GenerateSync(ctx, "prompt"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPoolShutdownIdempotent(t *testing.T) {
	p := newTestPool(t, "ok")
	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
