// Package cron runs the retention sweep over persisted turn traces,
// commits and audit rows on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/turnstream/internal/audit"
	"github.com/basket/turnstream/internal/persistence"
)

// cronParser accepts standard 5-field expressions plus descriptors such
// as @daily and @every 1h.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Retainer purges rows older than the given windows.
type Retainer interface {
	RunRetention(ctx context.Context, traceDays, commitDays, auditLogDays int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store        Retainer
	Logger       *slog.Logger
	Schedule     string
	TraceDays    int
	CommitDays   int
	AuditLogDays int
	// RunOnStart sweeps once as soon as Start is called.
	RunOnStart bool
}

// Scheduler fires the retention sweep on its schedule.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	runs       int
	lastRun    time.Time
	lastResult persistence.RetentionResult
}

// NewScheduler validates the schedule and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retention scheduler needs a store")
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		cron:   cronlib.New(cronlib.WithParser(cronParser)),
	}, nil
}

// Start begins firing sweeps until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("cron: retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	s.cron.Start()
	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("cron: startup retention sweep failed", "error", err)
			}
		}()
	}
	s.logger.Info("cron: retention scheduler started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop cancels in-flight sweeps and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("cron: retention scheduler stopped")
}

// Sweep runs one retention pass now.
func (s *Scheduler) Sweep(ctx context.Context) (persistence.RetentionResult, error) {
	res, err := s.cfg.Store.RunRetention(ctx, s.cfg.TraceDays, s.cfg.CommitDays, s.cfg.AuditLogDays)
	if err != nil {
		audit.Record(audit.OutcomeError, "data.retention", "sweep_failed", "", "", err.Error())
		return res, err
	}

	s.mu.Lock()
	s.runs++
	s.lastRun = time.Now()
	s.lastResult = res
	s.mu.Unlock()

	audit.Record(audit.OutcomeOK, "data.retention", "sweep",
		"", "", fmt.Sprintf("traces=%d commits=%d audit=%d", res.PurgedTurnTraces, res.PurgedCommits, res.PurgedAuditLogs))
	s.logger.Info("cron: retention sweep finished",
		"purged_turn_traces", res.PurgedTurnTraces,
		"purged_commits", res.PurgedCommits,
		"purged_audit_logs", res.PurgedAuditLogs,
	)
	return res, nil
}

// Status reports how many sweeps completed and the latest one.
func (s *Scheduler) Status() (runs int, lastRun time.Time, last persistence.RetentionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastRun, s.lastResult
}

// NextRun is when the configured schedule fires next after t.
func (s *Scheduler) NextRun(after time.Time) (time.Time, error) {
	return NextRunTime(s.cfg.Schedule, after)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
