// Package cron provides a periodic scheduler that fires due goal schedules
// by submitting runs to the goal manager.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/engine"
	"github.com/basket/go-helm/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter starts a goal run. *engine.Manager satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store     *persistence.Store
	Submitter Submitter
	Bus       *bus.Bus // optional; schedule.fired events when set
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due goal schedules and
// submits a run for each one.
type Scheduler struct {
	store     *persistence.Store
	submitter Submitter
	events    *bus.Bus
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		events:    cfg.Bus,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire submits a run for the schedule and stamps its run timestamps. The
// schedule ID doubles as the goal ID so memory accumulates across firings.
func (s *Scheduler) fire(ctx context.Context, sched persistence.GoalSchedule, now time.Time) {
	runID, err := s.submitter.Submit(ctx, engine.SubmitRequest{
		GoalID:   sched.ScheduleID,
		GoalText: sched.GoalText,
		Identity: sched.Identity,
	})
	if err != nil {
		s.logger.Error("scheduler: failed to submit scheduled goal",
			"schedule_id", sched.ScheduleID,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		// The expression will not parse on a later tick either; a schedule
		// left due would re-submit the goal forever.
		s.logger.Error("scheduler: disabling schedule with unparseable cron expression",
			"schedule_id", sched.ScheduleID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		if derr := s.store.SetScheduleEnabled(ctx, sched.ScheduleID, false); derr != nil {
			s.logger.Error("scheduler: failed to disable schedule",
				"schedule_id", sched.ScheduleID,
				"error", derr,
			)
		}
		return
	}

	if err := s.store.MarkScheduleFired(ctx, sched.ScheduleID, now, nextRun); err != nil {
		s.logger.Error("scheduler: failed to stamp schedule firing",
			"schedule_id", sched.ScheduleID,
			"error", err,
		)
		return
	}

	if s.events != nil {
		s.events.Publish(bus.TopicScheduleFired, bus.ScheduleEvent{
			ScheduleID: sched.ScheduleID,
			GoalID:     sched.ScheduleID,
			CronExpr:   sched.CronExpr,
		})
	}

	s.logger.Info("scheduler: goal fired",
		"schedule_id", sched.ScheduleID,
		"run_id", runID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
