// Package workerpool runs a function on a fixed number of goroutines fed by a
// bounded queue. Callers block in Do until their input has been processed.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped = errors.New("workerpool: stopped")
	// ErrPanic wraps a value recovered from the worker function.
	ErrPanic = errors.New("workerpool: worker panicked")
)

// Func processes one input.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

type Config struct {
	Workers   int
	QueueSize int
	// ShutdownTimeout bounds how long Stop waits for queued work.
	ShutdownTimeout time.Duration
	// Watermark is the queue fill ratio at which IsHealthy turns false.
	Watermark float64
}

// DefaultConfig is sized for runs that spend most of their time waiting on
// model calls.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
		Watermark:       0.9,
	}
}

type outcome[Out any] struct {
	out Out
	err error
}

type job[In, Out any] struct {
	ctx   context.Context
	in    In
	reply chan outcome[Out]
}

type Pool[In, Out any] struct {
	cfg    Config
	fn     Func[In, Out]
	logger *zap.Logger

	jobs chan job[In, Out]
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	busy      atomic.Int64
}

func New[In, Out any](cfg Config, fn Func[In, Out], logger *zap.Logger) (*Pool[In, Out], error) {
	if fn == nil {
		return nil, errors.New("workerpool: function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Watermark <= 0 || cfg.Watermark > 1 {
		cfg.Watermark = def.Watermark
	}
	return &Pool[In, Out]{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan job[In, Out], cfg.QueueSize),
		quit:   make(chan struct{}),
	}, nil
}

func (p *Pool[In, Out]) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Do queues in, waiting for a slot if the queue is full, and returns fn's
// result. If ctx ends before in is queued Do returns ctx.Err(). Once queued,
// Do always waits for the worker: fn sees the ended ctx, or a worker that
// picks up in after ctx ended returns ctx.Err() without calling fn.
func (p *Pool[In, Out]) Do(ctx context.Context, in In) (Out, error) {
	var zero Out
	j := job[In, Out]{ctx: ctx, in: in, reply: make(chan outcome[Out], 1)}
	if err := p.enqueue(ctx, j); err != nil {
		return zero, err
	}
	res := <-j.reply
	return res.out, res.err
}

func (p *Pool[In, Out]) enqueue(ctx context.Context, j job[In, Out]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Stop refuses new input and waits up to ShutdownTimeout for queued input
// to drain. Calling it again is a no-op.
func (p *Pool[In, Out]) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	close(p.jobs)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		return fmt.Errorf("workerpool: %d busy, %d queued after %s",
			p.busy.Load(), len(p.jobs), p.cfg.ShutdownTimeout)
	}
}

func (p *Pool[In, Out]) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			p.skipped.Add(1)
			j.reply <- outcome[Out]{err: err}
			continue
		}
		p.busy.Add(1)
		out, err := p.call(j.ctx, j.in)
		p.busy.Add(-1)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		j.reply <- outcome[Out]{out: out, err: err}
	}
}

func (p *Pool[In, Out]) call(ctx context.Context, in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return p.fn(ctx, in)
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Skipped       int64 `json:"skipped"`
	Busy          int64 `json:"busy"`
	Queued        int   `json:"queued"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

func (p *Pool[In, Out]) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Skipped:       p.skipped.Load(),
		Busy:          p.busy.Load(),
		Queued:        len(p.jobs),
		QueueCapacity: p.cfg.QueueSize,
		Workers:       p.cfg.Workers,
	}
}

// IsHealthy reports whether the queue is below the watermark.
func (p *Pool[In, Out]) IsHealthy() bool {
	return float64(len(p.jobs)) < p.cfg.Watermark*float64(p.cfg.QueueSize)
}
