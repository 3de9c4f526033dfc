// Package dispatcher runs the consumer worker pool and the lease sweeper.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// Runner is a long-lived loop such as a worker.
type Runner interface {
	Run(ctx context.Context) error
}

// Config controls the sweeper.
type Config struct {
	SweepInterval time.Duration
}

// Dispatcher fans work out to a fixed pool of workers and periodically returns
// expired leases to the queue.
type Dispatcher struct {
	store   ingest.JobStore
	clock   ingest.Clock
	workers []Runner
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(store ingest.JobStore, clock ingest.Clock, workers []Runner, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if store == nil || clock == nil {
		return nil, fmt.Errorf("job store and clock are required")
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		clock:   clock,
		workers: workers,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Run starts all workers and the sweeper and blocks until ctx is cancelled or
// one of them fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		d.sweepLoop(ctx)
		return nil
	})
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)), zap.Duration("sweep_interval", d.cfg.SweepInterval))
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

// Sweep requeues every job whose lease has expired.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	n, err := d.store.RequeueExpired(ctx, d.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	metrics.ObserveLeasesExpired(n)
	if n > 0 {
		d.logger.Warn("requeued expired leases", zap.Int("count", n))
	}
	return n, nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}
