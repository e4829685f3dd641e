package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Service runs Sweep periodically in the background.
type Service struct {
	sweeper   *Sweeper
	interval  time.Duration
	threshold time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewService creates a Service. Non-positive durations fall back to the defaults.
func NewService(sweeper *Sweeper, interval, threshold time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	return &Service{
		sweeper:   sweeper,
		interval:  interval,
		threshold: threshold,
	}
}

// Start launches the sweep loop. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(runCtx, s.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.sweeper.logger.InfoContext(ctx, "Sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if _, err := s.sweeper.Sweep(ctx, s.threshold); err != nil {
		s.sweeper.logger.WarnContext(ctx, "Sweep failed, retrying next run",
			slog.Duration("interval", s.interval),
			slog.Any("err", err),
		)
	}
}
