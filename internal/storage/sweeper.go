package storage

import (
	"context"
	"log"
	"time"

	"github.com/windmark/tradewind/internal/lifecycle"
)

// SweeperConfig shapes the periodic retention sweep.
type SweeperConfig struct {
	// Interval spaces sweeps across every open store. Default one minute.
	Interval  time.Duration
	Retention Retention
}

func (c SweeperConfig) normalize() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	c.Retention = c.Retention.Normalize()
	return c
}

// Sweeper is the always-on component that bounds disk growth by sweeping
// every open pair store on an interval.
type Sweeper struct {
	lifecycle.Base

	cfg    SweeperConfig
	pool   *Pool
	logger *log.Logger
	runner lifecycle.Runner
}

// NewSweeper constructs the sweeper.
func NewSweeper(cfg SweeperConfig, pool *Pool, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		Base:   lifecycle.NewBase("storage-sweeper"),
		cfg:    cfg.normalize(),
		pool:   pool,
		logger: logger,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.TransitionStart() {
		return nil
	}
	s.runner.Launch(ctx, s.loop)
	return nil
}

// Stop cancels the loop and waits for it. Idempotent.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.TransitionStop() {
		return nil
	}
	return s.runner.Join(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll sweeps every currently open store once.
func (s *Sweeper) SweepAll(ctx context.Context) {
	s.MarkActivity()
	for _, key := range s.pool.OpenKeys() {
		handle, err := s.pool.Acquire(ctx, key)
		if err != nil {
			s.CountError()
			s.logger.Printf("storage: sweep acquire %s: %v", key, err)
			continue
		}
		if err := handle.Store().Sweep(ctx, s.cfg.Retention); err != nil {
			s.CountError()
			s.logger.Printf("storage: sweep %s: %v", key, err)
		}
		handle.Release()
	}
}
