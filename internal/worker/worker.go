// Package worker runs the transcode and archive stages as pools of blocking consumers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/TFMV/clipbatch/internal/logging"
	"github.com/TFMV/clipbatch/internal/types"
)

// Stage processes one queue item per Turn. Turn blocks until an item is
// available or ctx is done.
type Stage interface {
	Turn(ctx context.Context) error
}

// PoolConfig contains configuration options for a Pool.
type PoolConfig struct {
	// Name labels the pool in logs.
	Name string

	// WorkerCount is the number of worker goroutines to spawn.
	WorkerCount int

	// BackoffMin is the minimum wait after a queue failure.
	BackoffMin time.Duration

	// BackoffMax caps the wait after repeated queue failures.
	BackoffMax time.Duration

	// BackoffFactor is the multiplicative factor for retry backoff.
	BackoffFactor float64

	// BackoffRandomization is a randomization factor for jittering retry backoff.
	BackoffRandomization float64

	// Logger receives pool diagnostics.
	Logger *slog.Logger
}

// Pool runs WorkerCount goroutines that each call Stage.Turn in a loop.
type Pool struct {
	cfg          PoolConfig
	stage        Stage
	logger       *slog.Logger
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewPool creates a pool around stage.
func NewPool(cfg PoolConfig, stage Stage) (*Pool, error) {
	if stage == nil {
		return nil, errors.New("stage is required")
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 1 * time.Minute
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.BackoffRandomization == 0 {
		cfg.BackoffRandomization = 0.2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Pool{
		cfg:    cfg,
		stage:  stage,
		logger: logger.With(slog.String(logging.FieldComponent, cfg.Name)),
	}, nil
}

// Start launches the worker goroutines. They stop when ctx ends or Shutdown is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("starting worker pool", slog.Int("workers", p.cfg.WorkerCount))

	p.wg.Add(p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		go p.workerLoop(ctx, i)
	}
}

// Shutdown stops the workers and waits for in-progress turns to return.
// Items a worker was holding stay leased and are reclaimed later.
func (p *Pool) Shutdown(ctx context.Context) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.logger.Info("shutting down worker pool")
		if p.cancel != nil {
			p.cancel()
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("all workers shut down")
		case <-ctx.Done():
			shutdownErr = ctx.Err()
			p.logger.Warn("shutdown timed out", logging.Error(shutdownErr))
		}
	})

	return shutdownErr
}

// workerLoop is the main loop for a worker goroutine.
func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int(logging.FieldWorker, workerID))
	logger.Debug("worker started")

	failures := 0
	for {
		if ctx.Err() != nil {
			logger.Debug("worker stopping")
			return
		}

		err := p.stage.Turn(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			logger.Debug("worker stopping")
			return
		case errors.Is(err, types.ErrQueue):
			failures++
			wait := p.calculateBackoff(failures)
			logger.Warn("queue unavailable, backing off", logging.Error(err), slog.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		default:
			failures = 0
			logger.Error("turn failed", logging.Error(err))
		}
	}
}

// calculateBackoff calculates the backoff duration based on retry count and jitter.
func (p *Pool) calculateBackoff(retryCount int) time.Duration {
	backoff := float64(p.cfg.BackoffMin) * math.Pow(p.cfg.BackoffFactor, float64(retryCount-1))

	if backoff > float64(p.cfg.BackoffMax) {
		backoff = float64(p.cfg.BackoffMax)
	}

	jitter := 1.0 + (rand.Float64()*2.0-1.0)*p.cfg.BackoffRandomization
	backoff = backoff * jitter

	return time.Duration(backoff)
}
