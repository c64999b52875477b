package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule bounds memory growth of idle identifiers.
const DefaultSweepSchedule = "@every 5m"

// Sweeper periodically removes expired entries from a Limiter.
type Sweeper struct {
	limiter  *Limiter
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
}

// NewSweeper creates a Sweeper for l. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(l *Limiter, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		limiter:  l,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "ratelimit_sweeper"),
	}
}

// Start schedules the sweep. It is a no-op when already running.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true
	s.logger.Info("rate limit sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.running = false
	s.logger.Info("rate limit sweeper stopped")
}

func (s *Sweeper) run() {
	removed := s.limiter.Sweep()
	s.logger.Debug("rate limit sweep", "removed", removed, "tracked", s.limiter.Len())
}
