// Package worker runs ingestion tasks from a queue.Consumer on a bounded
// pool of goroutines.
//
// Every delivery is settled exactly once: Ack when the handler recorded an
// outcome, Nack when it could not (including panics), so the backend hands
// the task to another worker. A circuit breaker watches the share of tasks
// that end in a retry; while it is open, deliveries are handed back without
// being processed, which keeps a failing database from burning the retry
// budget of every queued task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/service/ingestion"
)

// Handler processes one task to an outcome. *ingestion.Protocol satisfies it.
type Handler interface {
	Handle(ctx context.Context, t queue.Task) (ingestion.Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t queue.Task) (ingestion.Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, t queue.Task) (ingestion.Outcome, error) {
	return f(ctx, t)
}

// Config tunes a Pool.
type Config struct {
	Concurrency int
	// TaskTimeout bounds a single Handle call.
	TaskTimeout time.Duration
	// ErrorPause is how long a worker waits after a receive error or while
	// the breaker is open.
	ErrorPause time.Duration

	BreakerName string
	// BreakerMinRequests is the number of tasks seen in one interval
	// before the failure ratio is considered.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerInterval     time.Duration
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         8,
		TaskTimeout:         2 * time.Minute,
		ErrorPause:          time.Second,
		BreakerName:         "ingestion",
		BreakerMinRequests:  20,
		BreakerFailureRatio: 0.5,
		BreakerInterval:     time.Minute,
		BreakerTimeout:      30 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = d.ErrorPause
	}
	if c.BreakerName == "" {
		c.BreakerName = d.BreakerName
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = d.BreakerMinRequests
	}
	if c.BreakerFailureRatio <= 0 {
		c.BreakerFailureRatio = d.BreakerFailureRatio
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = d.BreakerInterval
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
}

// Stats are cumulative counters of a Pool.
type Stats struct {
	Acked   int64
	Nacked  int64
	Retried int64
	Panics  int64
}

// Pool consumes deliveries and hands them to a Handler.
type Pool struct {
	consumer queue.Consumer
	handler  Handler
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	onState  func(open bool)

	acked, nacked, retried, panics atomic.Int64
}

// Option customises a Pool.
type Option func(*Pool)

// WithBreakerListener is called whenever the breaker opens or closes.
func WithBreakerListener(fn func(open bool)) Option {
	return func(p *Pool) { p.onState = fn }
}

var errRetried = errors.New("task scheduled for retry")

// NewPool creates a Pool. Zero Config fields take DefaultConfig values.
func NewPool(consumer queue.Consumer, handler Handler, cfg Config, opts ...Option) *Pool {
	cfg.fill()
	p := &Pool{consumer: consumer, handler: handler, cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     cfg.BreakerName,
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("worker circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if p.onState != nil {
				p.onState(to == gobreaker.StateOpen)
			}
		},
	})
	return p
}

// Run starts Concurrency workers and blocks until ctx is cancelled or the
// consumer is closed. Both are a clean shutdown and return nil.
func (p *Pool) Run(ctx context.Context) error {
	logger.Info("worker pool starting", "concurrency", p.cfg.Concurrency, "breaker", p.cfg.BreakerName)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return p.loop(gctx, id) })
	}
	err := g.Wait()
	logger.Info("worker pool stopped", "acked", p.acked.Load(), "nacked", p.nacked.Load(), "retried", p.retried.Load())
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := p.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Error("receive failed", "worker", id, "error", err)
			p.pause(ctx)
			continue
		}
		if d == nil {
			continue
		}
		if !p.process(ctx, d) {
			p.pause(ctx)
		}
	}
}

func (p *Pool) pause(ctx context.Context) {
	t := time.NewTimer(p.cfg.ErrorPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process settles d and reports whether the breaker let it through.
func (p *Pool) process(ctx context.Context, d *queue.Delivery) bool {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		outcome, err := p.handle(ctx, d.Task)
		if err != nil {
			return nil, err
		}
		if outcome == ingestion.Retry {
			return nil, errRetried
		}
		return nil, nil
	})

	// Settle with a fresh context so that shutdown does not strand a
	// delivery that was already handled.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		p.ack(settleCtx, d)
	case errors.Is(err, errRetried):
		p.retried.Add(1)
		p.ack(settleCtx, d)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.nack(settleCtx, d)
		return false
	default:
		logger.Warn("task not settled, handing back", "task_id", d.Task.ID, "task", d.Task.Kind, "error", err)
		p.nack(settleCtx, d)
	}
	return true
}

func (p *Pool) handle(ctx context.Context, t queue.Task) (outcome ingestion.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("panic in task handler", "task_id", t.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	return p.handler.Handle(hctx, t)
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery) {
	if err := p.consumer.Ack(ctx, d); err != nil {
		logger.Error("ack failed", "task_id", d.Task.ID, "error", err)
		return
	}
	p.acked.Add(1)
}

func (p *Pool) nack(ctx context.Context, d *queue.Delivery) {
	if err := p.consumer.Nack(ctx, d); err != nil {
		logger.Error("nack failed", "task_id", d.Task.ID, "error", err)
		return
	}
	p.nacked.Add(1)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Acked:   p.acked.Load(),
		Nacked:  p.nacked.Load(),
		Retried: p.retried.Load(),
		Panics:  p.panics.Load(),
	}
}

// BreakerState reports the breaker state name.
func (p *Pool) BreakerState() string {
	return p.breaker.State().String()
}
