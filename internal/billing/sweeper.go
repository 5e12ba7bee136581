package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically flips expired UNPAID payments to OVERDUE.
type Sweeper struct {
	billing  *Service
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper that runs at the specified interval.
func NewSweeper(billing *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		billing:  billing,
		interval: interval,
		logger:   logger,
	}
}

// Start begins periodic sweeps. It runs an initial sweep immediately, then
// on each tick.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the sweeper and waits for the current sweep (if any) to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if _, err := s.billing.SweepOverdue(ctx); err != nil {
		s.logger.Error("expiry sweep failed", "err", err)
	}
}
