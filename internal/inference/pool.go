package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// job is one queued prompt with its reply channel
type job struct {
	ctx    context.Context
	prompt string
	reply  chan jobReply
}

type jobReply struct {
	result *Result
	err    error
}

// PoolMetrics is a snapshot of pool activity
type PoolMetrics struct {
	TotalRequests  int64
	CompletedOK    int64
	CompletedError int64
	AverageLatency time.Duration
	Inflight       int
}

// PoolConfig holds pool configuration
type PoolConfig struct {
	Workers           int     // worker goroutines
	QueueSize         int     // pending request bound
	RequestsPerSecond float64 // rate toward the model host
	Burst             int     // limiter burst
	InferenceConfig   *Config
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:           runtime.NumCPU(),
		QueueSize:         1000,
		RequestsPerSecond: 4,
		Burst:             4,
		InferenceConfig:   DefaultConfig(),
	}
}

// Pool serialises inference calls through a bounded worker set. A
// shared rate limiter keeps extraction, summarisation and SQL
// generation from overrunning the model host when they fan out at
// once. Pool satisfies the same GenerateSync surface as Client, so
// callers take either interchangeably.
type Pool struct {
	client  *Client
	queue   chan job
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu       sync.Mutex
	total    int64
	ok       int64
	failed   int64
	latency  time.Duration
	inflight int

	closeOnce sync.Once
}

// NewPool creates the pool and starts its workers
func NewPool(client *Client, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if client == nil {
		client = NewClient(config.InferenceConfig)
	}

	p := &Pool{
		client:  client,
		queue:   make(chan job, config.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Client exposes the underlying inference client
func (p *Pool) Client() *Client {
	return p.client
}

// GenerateSync queues the prompt and waits for its result
func (p *Pool) GenerateSync(ctx context.Context, prompt string) (*Result, error) {
	j := job{ctx: ctx, prompt: prompt, reply: make(chan jobReply, 1)}

	select {
	case p.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("inference queue full")
	}

	select {
	case r := <-j.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		j.reply <- p.process(j)
	}
}

func (p *Pool) process(j job) jobReply {
	if err := p.limiter.Wait(j.ctx); err != nil {
		return jobReply{err: err}
	}

	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()

	start := time.Now()
	result, err := p.client.GenerateSync(j.ctx, j.prompt)
	took := time.Since(start)

	p.mu.Lock()
	p.inflight--
	p.total++
	if err == nil {
		p.ok++
		p.latency += took
	} else {
		p.failed++
	}
	p.mu.Unlock()

	return jobReply{result: result, err: err}
}

// Metrics returns a snapshot of pool activity
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := PoolMetrics{
		TotalRequests:  p.total,
		CompletedOK:    p.ok,
		CompletedError: p.failed,
		Inflight:       p.inflight,
	}
	if p.ok > 0 {
		m.AverageLatency = p.latency / time.Duration(p.ok)
	}
	return m
}

// QueueLength returns the number of pending requests
func (p *Pool) QueueLength() int {
	return len(p.queue)
}

// Shutdown stops accepting work and waits for in-flight requests,
// up to the timeout
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.closeOnce.Do(func() { close(p.queue) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
