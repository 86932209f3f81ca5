// Package upload backs captures up to a remote target from a small pool of
// isolated workers.
//
// Enqueue never blocks and never reports failure to the caller: when the
// queue is full the path is dropped and logged. Workers retry with
// exponential backoff, cool off when the target rate-limits, and recover
// from panics so a bad upload can never reach the capture path.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config for the worker pool.
type Config struct {
	Workers     int           // default 2
	QueueSize   int           // default 256
	MaxRetries  *int          // retries after the first attempt, default 3; zero disables retries
	BaseBackoff time.Duration // default 2s
	MaxBackoff  time.Duration // default 60s
	MinDelay    time.Duration // minimum gap between uploads per worker, default 400ms
	Cooldown    time.Duration // pause after ErrRateLimited, default 60s
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries == nil {
		c.MaxRetries = Retries(3)
	} else if *c.MaxRetries < 0 {
		c.MaxRetries = Retries(0)
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 400 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
}

// Retries returns n as a Config.MaxRetries value.
func Retries(n int) *int { return &n }

// Result is reported once per enqueued path.
type Result struct {
	Path     string
	Attempts int
	Duration time.Duration
	Err      error
}

// Stats counters.
type Stats struct {
	Enqueued    uint64 `json:"enqueued"`
	Uploaded    uint64 `json:"uploaded"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rate_limited"`
	Panics      uint64 `json:"panics"`
	Pending     int    `json:"pending"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithOnResult registers a hook called from the worker after each path
// finishes, successfully or not.
func WithOnResult(fn func(Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// WithSleep replaces the context-aware sleep used for backoff and cooldown.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.sleep = fn }
}

var (
	// ErrPoolClosed is returned by Start after Stop.
	ErrPoolClosed = errors.New("upload: pool closed")
	errPanic      = errors.New("upload: worker panic")
)

// Pool is a fixed set of upload workers fed by a bounded queue.
type Pool struct {
	cfg      Config
	target   Target
	onResult func(Result)
	sleep    func(ctx context.Context, d time.Duration) error

	queue   chan string
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool

	enqueued    atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
	panics      atomic.Uint64
}

// NewPool validates the target and fills in defaults.
func NewPool(cfg Config, target Target, opts ...Option) (*Pool, error) {
	if target == nil {
		return nil, fmt.Errorf("upload: target is required")
	}
	cfg.applyDefaults()

	p := &Pool{
		cfg:    cfg,
		target: target,
		sleep:  sleepCtx,
		queue:  make(chan string, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("upload: pool already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	slog.Info("upload: pool started",
		"target", p.target.Name(),
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize,
	)
	return nil
}

// Stop cancels in-flight uploads and waits for the workers to exit. Paths
// still queued are abandoned.
func (p *Pool) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("upload: pool stopped", "abandoned", len(p.queue))
}

// Enqueue schedules path for upload. It never blocks. It returns false when
// the path was dropped.
func (p *Pool) Enqueue(path string) bool {
	if p.closed.Load() {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- path:
		p.enqueued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		slog.Warn("upload: queue full, dropping", "path", path, "queue_size", p.cfg.QueueSize)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Enqueued:    p.enqueued.Load(),
		Uploaded:    p.uploaded.Load(),
		Failed:      p.failed.Load(),
		Dropped:     p.dropped.Load(),
		RateLimited: p.rateLimited.Load(),
		Panics:      p.panics.Load(),
		Pending:     len(p.queue),
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	limiter := rate.NewLimiter(rate.Every(p.cfg.MinDelay), 1)
	log := slog.With("worker", id)
	log.Debug("upload: worker ready")

	for {
		select {
		case <-ctx.Done():
			log.Debug("upload: worker shutting down")
			return
		case path := <-p.queue:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			res := p.process(ctx, log, path)
			if ctx.Err() != nil && res.Err != nil {
				return
			}
			p.report(log, res)
		}
	}
}

// process uploads one path with bounded retries.
func (p *Pool) process(ctx context.Context, log *slog.Logger, path string) Result {
	start := time.Now()
	res := Result{Path: path}

	maxRetries := *p.cfg.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res.Attempts = attempt + 1
		err := p.attempt(ctx, path)
		if err == nil {
			res.Err = nil
			break
		}
		res.Err = err

		if errors.Is(err, fs.ErrNotExist) || ctx.Err() != nil {
			break
		}
		if attempt == maxRetries {
			break
		}

		wait := calculateBackoff(attempt+1, p.cfg.BaseBackoff, p.cfg.MaxBackoff)
		if errors.Is(err, ErrRateLimited) {
			p.rateLimited.Add(1)
			wait = p.cfg.Cooldown
			log.Warn("upload: rate limit hit, cooling down", "path", path, "cooldown", wait)
		} else {
			log.Warn("upload: attempt failed, retrying",
				"path", path,
				"attempt", res.Attempts,
				"backoff", wait,
				"error", err,
			)
		}
		if err := p.sleep(ctx, wait); err != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

// attempt runs one upload, converting a panic into an error.
func (p *Pool) attempt(ctx context.Context, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return p.target.Upload(ctx, path)
}

func (p *Pool) report(log *slog.Logger, res Result) {
	if res.Err == nil {
		p.uploaded.Add(1)
		log.Info("upload: uploaded", "path", res.Path, "attempts", res.Attempts, "duration", res.Duration)
	} else {
		p.failed.Add(1)
		log.Error("upload: giving up", "path", res.Path, "attempts", res.Attempts, "error", res.Err)
	}

	if p.onResult == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error("upload: result hook panicked", "panic", r)
		}
	}()
	p.onResult(res)
}

// calculateBackoff returns base * 2^(attempt-1), capped at max.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
