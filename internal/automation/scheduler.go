package automation

import (
	"context"
	"errors"
	"time"
)

// triggeredBySchedule marks executions started by the sweep.
const triggeredBySchedule = "schedule"

// ProcessScheduledAutomations executes every due rule and advances its
// next due time. Failures are isolated per rule.
//
// The next due time is advanced even when the kickoff fails, so a rule that
// cannot start does not hot-loop on every sweep. With failure backoff
// configured, the advance is stretched by the rule's failure streak.
//
// Returns the number of executions started.
func (e *Engine) ProcessScheduledAutomations(ctx context.Context) (int, error) {
	now := e.now()
	rules, err := e.repo.ListDueRules(ctx, now)
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range rules {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		rule := &rules[i]

		if rule.CanExecute() {
			if _, err := e.start(ctx, rule, nil, triggeredBySchedule); err != nil {
				e.logger.Warn("scheduled execution failed to start", "rule_id", rule.ID, "error", err)
			} else {
				started++
			}
		}

		var next *time.Time
		if t, ok := NextRun(rule.Schedule, now, rule.Metrics.ConsecutiveFailures, e.cfg.MaxBackoff); ok {
			next = &t
		}
		if err := e.repo.SetNextExecution(ctx, rule.ID, next); err != nil {
			e.logger.Error("failed to advance schedule", "rule_id", rule.ID, "error", err)
			continue
		}
		if next == nil {
			e.logger.Info("schedule exhausted", "rule_id", rule.ID)
		}
	}

	if started > 0 {
		e.logger.Debug("scheduled sweep", "due", len(rules), "started", started)
	}
	return started, nil
}

// ProcessTriggeredAutomations drains the trigger manager into the engine.
func (e *Engine) ProcessTriggeredAutomations(ctx context.Context) error {
	if e.triggers == nil {
		return nil
	}
	return e.triggers.ProcessTriggers(ctx, e)
}

// CleanupOldExecutions soft-deletes terminal executions older than maxAge.
// Pending and Running executions are never touched.
func (e *Engine) CleanupOldExecutions(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("automation: cleanup max age must be positive")
	}
	now := e.now()
	n, err := e.repo.SoftDeleteExecutionsBefore(ctx, now.Add(-maxAge), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("old executions cleaned up", "count", n, "max_age", maxAge.String())
	}
	return n, nil
}

// ─── Scheduler loop ─────────────────────────────────────────────────────────

// SchedulerConfig sets the intervals of the background loop.
type SchedulerConfig struct {
	SweepInterval   time.Duration
	TriggerInterval time.Duration
	CleanupInterval time.Duration
	RetentionPeriod time.Duration
}

// Scheduler is the single background goroutine that periodically sweeps
// due rules, drains pending triggers and prunes execution history.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig
	logger Logger

	done chan struct{}
}

// NewScheduler creates a scheduler for the engine. Zero intervals fall back
// to defaults; a zero RetentionPeriod disables cleanup.
func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		logger: engine.logger,
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	triggers := time.NewTicker(s.cfg.TriggerInterval)
	defer triggers.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	s.logger.Info("scheduler started",
		"sweep_interval", s.cfg.SweepInterval.String(),
		"trigger_interval", s.cfg.TriggerInterval.String(),
	)

	// Catch up on anything that fell due while the service was down.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-sweep.C:
			s.sweep(ctx)
		case <-triggers.C:
			if err := s.engine.ProcessTriggeredAutomations(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("trigger processing failed", "error", err)
			}
		case <-cleanup.C:
			if s.cfg.RetentionPeriod <= 0 {
				continue
			}
			if _, err := s.engine.CleanupOldExecutions(ctx, s.cfg.RetentionPeriod); err != nil && ctx.Err() == nil {
				s.logger.Warn("execution cleanup failed", "error", err)
			}
		}
	}
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.engine.ProcessScheduledAutomations(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled sweep failed", "error", err)
	}
}
