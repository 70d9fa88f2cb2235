package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Duty is a recurring maintenance task.
type Duty string

const (
	DutyAlertSweep Duty = "alert_sweep"
	DutyStaleCases Duty = "stale_cases"
)

type DutyFunc func(ctx context.Context) error

// Scheduler runs recurring duties on cron schedules. Duties are registered
// in code, not persisted; there are only a handful and they never change at
// runtime.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	entries map[Duty]cron.EntryID
	mu      sync.Mutex
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger:  logger,
		entries: make(map[Duty]cron.EntryID),
	}
}

func (s *Scheduler) Register(duty Duty, schedule string, fn DutyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[duty]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, duty)
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		s.logger.Info("running duty", "duty", duty)

		if err := fn(context.Background()); err != nil {
			s.logger.Error("duty failed", "duty", duty, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Info("duty completed", "duty", duty, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", duty, err)
	}

	s.entries[duty] = entryID
	s.logger.Info("registered duty", "duty", duty, "schedule", schedule)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "duties", len(s.entries))
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
