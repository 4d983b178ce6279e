// Package scheduler runs the server's periodic background tasks, such as
// metrics sampling and session journal cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/volley-project/volley/internal/util"
)

type task struct {
	name     string
	interval time.Duration
	// hour and minute are used when interval is zero.
	hour, minute int
	fn           func(context.Context)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	tasks  []task
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{now: time.Now, logger: util.ComponentLogger("scheduler")}
}

// Every runs fn each interval. Non-positive intervals are ignored.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		s.logger.Debug().Str("task", name).Msg("task disabled")
		return
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Daily runs fn once a day at the given local time.
func (s *Scheduler) Daily(name string, hour, minute int, fn func(context.Context)) {
	s.tasks = append(s.tasks, task{name: name, hour: hour, minute: minute, fn: fn})
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// Start runs every task until ctx is cancelled and waits for them to return.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			if t.interval > 0 {
				s.runTicker(ctx, t)
			} else {
				s.runDaily(ctx, t)
			}
		}(t)
	}
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")

	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runTicker(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, t task) {
	for {
		now := s.now()
		next := NextRun(now, t.hour, t.minute)
		s.logger.Info().
			Str("task", t.name).
			Time("next_run", next).
			Msg("task scheduled")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.fn(ctx)
		}
	}
}

// NextRun returns the first hour:minute strictly after now, in now's
// location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
