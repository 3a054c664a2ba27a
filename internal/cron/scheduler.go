// Package cron runs the daemon's periodic retention sweep on a cron
// schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/optad/internal/persistence"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// @daily and @every 1h.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Retainer purges rows older than the given windows.
type Retainer interface {
	RunRetention(ctx context.Context, eventDays, auditDays int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store     Retainer
	Schedule  string // cron expression; defaults to @daily
	EventDays int
	AuditDays int
	Logger    *slog.Logger
	// RunTimeout bounds one sweep. Defaults to one minute.
	RunTimeout time.Duration
}

// Scheduler fires a retention sweep on every tick of its schedule.
type Scheduler struct {
	store      Retainer
	schedule   cronlib.Schedule
	spec       string
	eventDays  int
	auditDays  int
	runTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	cron    *cronlib.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	runs    int
	lastRun time.Time
	lastErr error
}

// NewScheduler validates the schedule and returns an idle Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = "@daily"
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		store:      cfg.Store,
		schedule:   sched,
		spec:       spec,
		eventDays:  cfg.EventDays,
		auditDays:  cfg.AuditDays,
		runTimeout: timeout,
		logger:     logger,
	}, nil
}

// Start schedules the sweep. Sweeps stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cronlib.New(cronlib.WithParser(cronParser))
	s.cron.Schedule(s.schedule, cronlib.FuncJob(func() {
		_, _ = s.RunOnce(s.ctx)
	}))
	s.cron.Start()
	s.logger.Info("retention scheduler started",
		"schedule", s.spec,
		"event_days", s.eventDays,
		"audit_days", s.auditDays,
		"next_run_at", s.schedule.Next(time.Now()),
	)
}

// Stop cancels any running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// RunOnce performs one sweep immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	if ctx.Err() != nil {
		return persistence.RetentionResult{}, ctx.Err()
	}
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.store.RunRetention(runCtx, s.eventDays, s.auditDays)

	s.mu.Lock()
	s.runs++
	s.lastRun = start
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return res, err
	}
	s.logger.Info("retention sweep done",
		"purged_events", res.PurgedEvents,
		"purged_audit_logs", res.PurgedAuditLogs,
		"purged_decisions", res.PurgedDecisions,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Runs reports how many sweeps have completed and the error of the last one.
func (s *Scheduler) Runs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastErr
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
