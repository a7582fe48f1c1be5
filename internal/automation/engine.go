package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// TriggerManager subscribes to external event sources on behalf of rules.
//
// RegisterTriggers replaces whatever was registered for the rule before.
// ProcessTriggers consumes pending events and calls back into sink.
type TriggerManager interface {
	RegisterTriggers(ctx context.Context, ruleID string, triggers []Trigger) error
	UnregisterTriggers(ctx context.Context, ruleID string) error
	ProcessTriggers(ctx context.Context, sink TriggerSink) error
}

// TriggerSink receives fired triggers. Engine implements it.
type TriggerSink interface {
	TriggerAutomation(ctx context.Context, trigger string, vars map[string]any, triggeredBy string) (string, error)
}

// MQTTClient is the interface for publishing execution events.
type MQTTClient interface {
	// Publish sends a message to the specified MQTT topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// WSHub is the interface for broadcasting WebSocket events.
type WSHub interface {
	// Broadcast sends an event to all clients subscribed to the given channel.
	Broadcast(channel string, payload any)
}

// MetricsRecorder receives telemetry about executions and trigger fan-out.
type MetricsRecorder interface {
	RecordExecution(rule *Rule, exec *Execution)
	RecordTrigger(trigger string, matched, started int)
}

// EngineConfig tunes the engine's worker pool and scheduling.
type EngineConfig struct {
	// Maximum executions running at once; further runs wait in Pending.
	MaxWorkers int

	// Cap on failure backoff added to scheduled runs; 0 disables backoff.
	MaxBackoff time.Duration
}

const defaultMaxWorkers = 16

// Deps holds the engine's collaborators. Repo and Executor are required.
type Deps struct {
	Repo     Repository
	Executor ActionExecutor
	Triggers TriggerManager  // may be nil: trigger-by-API only
	Hub      WSHub           // may be nil
	MQTT     MQTTClient      // may be nil
	Metrics  MetricsRecorder // may be nil
	Logger   Logger
	Config   EngineConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine orchestrates automation rules.
//
// It owns rule CRUD and lifecycle, trigger fan-out, execution kickoff on a
// bounded worker pool, the scheduling sweep, cancellation, cleanup, dry runs
// and metrics aggregation.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	repo     Repository
	executor ActionExecutor
	triggers TriggerManager
	hub      WSHub
	mqtt     MQTTClient
	metrics  MetricsRecorder
	logger   Logger
	cfg      EngineConfig
	now      func() time.Time

	// Background runs derive from baseCtx, never from the request context.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	workers    *semaphore.Weighted
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	running  map[string]context.CancelFunc // execution ID -> cancel
	inflight map[string]int                // rule ID -> runs not yet finished
}

// NewEngine creates a new automation engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Repo == nil {
		return nil, errors.New("automation: repository is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("automation: action executor is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Config.MaxWorkers <= 0 {
		deps.Config.MaxWorkers = defaultMaxWorkers
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:       deps.Repo,
		executor:   deps.Executor,
		triggers:   deps.Triggers,
		hub:        deps.Hub,
		mqtt:       deps.MQTT,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        deps.Config,
		now:        deps.Now,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		workers:    semaphore.NewWeighted(int64(deps.Config.MaxWorkers)),
		running:    make(map[string]context.CancelFunc),
		inflight:   make(map[string]int),
	}, nil
}

// Wait blocks until every in-flight execution has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops accepting executions and waits for in-flight runs. When ctx
// expires first, remaining runs are cancelled and Close still waits for them
// to record their cancellation.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.baseCancel()
		return nil
	case <-ctx.Done():
		e.baseCancel()
		<-done
		return ctx.Err()
	}
}

// ─── Rule CRUD & Lifecycle ──────────────────────────────────────────────────

// NewRule describes a rule to create. New rules start enabled and Active.
type NewRule struct {
	Name          string
	Description   string
	Triggers      []Trigger
	Conditions    []Condition
	Actions       []Action
	Schedule      *Schedule
	Configuration *Configuration
	CreatedBy     string
	Category      string
	Tags          []string
}

// CreateRule validates, persists and registers a new rule.
//
// Returns:
//   - string: the new rule ID
//   - error: a wrapped validation sentinel (ErrInvalidRule, ErrNoActions, ...),
//     ErrRuleExists for a duplicate name, or a persistence error
func (e *Engine) CreateRule(ctx context.Context, in NewRule) (string, error) {
	rule := &Rule{
		ID:          GenerateID(),
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Tags:        in.Tags,
		CreatedBy:   in.CreatedBy,
		Enabled:     true,
		Status:      RuleActive,
		Triggers:    nonNil(in.Triggers),
		Conditions:  nonNil(in.Conditions),
		Actions:     nonNil(in.Actions),
		Schedule:    in.Schedule.clone(),
	}
	if in.Configuration != nil {
		rule.Configuration = *in.Configuration
		rule.Configuration.Variables = deepCopyMap(in.Configuration.Variables)
	}
	applyDefaults(rule)

	if err := ValidateRule(rule); err != nil {
		return "", err
	}
	e.reschedule(rule)

	if err := e.repo.CreateRule(ctx, rule); err != nil {
		e.logger.Error("failed to create rule", "name", rule.Name, "error", err)
		return "", err
	}

	e.registerTriggers(ctx, rule)

	e.logger.Info("rule created",
		"rule_id", rule.ID,
		"name", rule.Name,
		"triggers", len(rule.Triggers),
		"actions", len(rule.Actions),
	)
	return rule.ID, nil
}

// UpdateRule replaces the supplied fields of a rule.
// Returns false when the rule does not exist or was deleted.
func (e *Engine) UpdateRule(ctx context.Context, id string, upd RuleUpdate) (bool, error) {
	rule, err := e.repo.GetRule(ctx, id)
	if err != nil {
		return notFoundAsFalse(err, ErrRuleNotFound)
	}

	if upd.Name != nil {
		rule.Name = *upd.Name
	}
	if upd.Description != nil {
		rule.Description = *upd.Description
	}
	if upd.Category != nil {
		rule.Category = *upd.Category
	}
	if upd.Tags != nil {
		rule.Tags = upd.Tags
	}
	triggersChanged := upd.Triggers != nil
	if triggersChanged {
		rule.Triggers = upd.Triggers
	}
	if upd.Conditions != nil {
		rule.Conditions = upd.Conditions
	}
	if upd.Actions != nil {
		rule.Actions = upd.Actions
	}
	if upd.Configuration != nil {
		rule.Configuration = *upd.Configuration
		rule.Configuration.Variables = deepCopyMap(upd.Configuration.Variables)
	}
	scheduleChanged := upd.Schedule != nil || upd.ClearSchedule
	if upd.ClearSchedule {
		rule.Schedule = nil
	} else if upd.Schedule != nil {
		rule.Schedule = upd.Schedule.clone()
	}
	applyDefaults(rule)

	if err := ValidateRule(rule); err != nil {
		return false, err
	}
	if scheduleChanged {
		e.reschedule(rule)
	}

	if err := e.repo.UpdateRule(ctx, rule); err != nil {
		return notFoundAsFalse(err, ErrRuleNotFound)
	}
	if scheduleChanged {
		if err := e.repo.SetNextExecution(ctx, id, rule.NextExecutionAt); err != nil {
			return notFoundAsFalse(err, ErrRuleNotFound)
		}
	}
	if triggersChanged {
		e.registerTriggers(ctx, rule)
	}

	e.logger.Info("rule updated", "rule_id", id)
	return true, nil
}

// EnableRule enables a rule and makes it Active.
func (e *Engine) EnableRule(ctx context.Context, id string) (bool, error) {
	return e.mutateRule(ctx, id, "enable", (*Rule).Enable)
}

// DisableRule disables a rule.
func (e *Engine) DisableRule(ctx context.Context, id string) (bool, error) {
	return e.mutateRule(ctx, id, "disable", (*Rule).Disable)
}

// PauseRule pauses a rule without disabling it.
func (e *Engine) PauseRule(ctx context.Context, id string) (bool, error) {
	return e.mutateRule(ctx, id, "pause", (*Rule).Pause)
}

// ResumeRule re-activates a paused rule if it is enabled.
func (e *Engine) ResumeRule(ctx context.Context, id string) (bool, error) {
	return e.mutateRule(ctx, id, "resume", (*Rule).Resume)
}

func (e *Engine) mutateRule(ctx context.Context, id, verb string, mutate func(*Rule)) (bool, error) {
	rule, err := e.repo.GetRule(ctx, id)
	if err != nil {
		return notFoundAsFalse(err, ErrRuleNotFound)
	}

	mutate(rule)

	if err := e.repo.UpdateRule(ctx, rule); err != nil {
		e.logger.Error("failed to "+verb+" rule", "rule_id", id, "error", err)
		return notFoundAsFalse(err, ErrRuleNotFound)
	}

	// A schedule that lost its due time while inactive picks up again from
	// now. The write is skipped if a sweep has set a due time since the read.
	if rule.CanExecute() && rule.Schedule != nil && rule.NextExecutionAt == nil {
		if next, ok := rule.Schedule.Next(e.now()); ok {
			if _, err := e.repo.SetNextExecutionIfUnset(ctx, id, next); err != nil {
				e.logger.Warn("failed to reschedule rule", "rule_id", id, "error", err)
			}
		}
	}
	e.logger.Info("rule "+verb+"d", "rule_id", id, "status", rule.Status, "enabled", rule.Enabled)
	return true, nil
}

// DeleteRule unregisters the rule's triggers, then soft-deletes it.
// Deletion is irreversible.
func (e *Engine) DeleteRule(ctx context.Context, id string) (bool, error) {
	if _, err := e.repo.GetRule(ctx, id); err != nil {
		return notFoundAsFalse(err, ErrRuleNotFound)
	}

	if e.triggers != nil {
		if err := e.triggers.UnregisterTriggers(ctx, id); err != nil {
			e.logger.Warn("failed to unregister triggers", "rule_id", id, "error", err)
		}
	}

	if err := e.repo.SoftDeleteRule(ctx, id, e.now()); err != nil {
		return notFoundAsFalse(err, ErrRuleNotFound)
	}
	e.logger.Info("rule deleted", "rule_id", id)
	return true, nil
}

// SyncTriggers registers the triggers of every live rule. Called at startup
// so the trigger manager matches persisted state.
func (e *Engine) SyncTriggers(ctx context.Context) error {
	if e.triggers == nil {
		return nil
	}
	rules, err := e.repo.ListRules(ctx, RuleFilter{IncludeDisabled: true})
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	for i := range rules {
		e.registerTriggers(ctx, &rules[i])
	}
	e.logger.Info("triggers synchronised", "rules", len(rules))
	return nil
}

func (e *Engine) registerTriggers(ctx context.Context, rule *Rule) {
	if e.triggers == nil {
		return
	}
	if err := e.triggers.RegisterTriggers(ctx, rule.ID, rule.Triggers); err != nil {
		e.logger.Warn("failed to register triggers", "rule_id", rule.ID, "error", err)
	}
}

// reschedule recomputes the first due time of a rule from now.
func (e *Engine) reschedule(rule *Rule) {
	rule.NextExecutionAt = nil
	if rule.Schedule == nil {
		return
	}
	if next, ok := rule.Schedule.Next(e.now()); ok {
		rule.NextExecutionAt = &next
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetRule returns a live rule or ErrRuleNotFound.
func (e *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return e.repo.GetRule(ctx, id)
}

// ListRules returns live rules matching the filter, ordered by name.
func (e *Engine) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	return e.repo.ListRules(ctx, filter)
}

// ListRuleSummaries returns compact views of every live rule, optionally by category.
func (e *Engine) ListRuleSummaries(ctx context.Context, category string) ([]RuleSummary, error) {
	rules, err := e.repo.ListRules(ctx, RuleFilter{Category: category, IncludeDisabled: true})
	if err != nil {
		return nil, err
	}
	out := make([]RuleSummary, len(rules))
	for i := range rules {
		out[i] = rules[i].Summary()
	}
	return out, nil
}

// GetExecution returns a live execution or ErrExecutionNotFound.
func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return e.repo.GetExecution(ctx, id)
}

// ListExecutions returns the execution history of a rule, newest first.
func (e *Engine) ListExecutions(ctx context.Context, ruleID string, filter ExecutionFilter) ([]Execution, error) {
	return e.repo.ListExecutions(ctx, ruleID, filter)
}

// RuleMetrics returns the stored aggregate for a rule. A rule that never ran
// reports zero-valued metrics.
func (e *Engine) RuleMetrics(ctx context.Context, id string) (Metrics, error) {
	rule, err := e.repo.GetRule(ctx, id)
	if err != nil {
		return Metrics{}, err
	}
	return rule.Metrics, nil
}

// GlobalStats aggregates rule and execution counts. SuccessRate is 0 when
// nothing has executed yet.
func (e *Engine) GlobalStats(ctx context.Context) (GlobalStats, error) {
	total, active, err := e.repo.CountRules(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	execs, successful, err := e.repo.ExecutionStats(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	return GlobalStats{
		TotalRules:           total,
		ActiveRules:          active,
		TotalExecutions:      execs,
		SuccessfulExecutions: successful,
		SuccessRate:          percent(successful, execs),
	}, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// notFoundAsFalse maps the given not-found sentinel to (false, nil).
func notFoundAsFalse(err, notFound error) (bool, error) {
	if errors.Is(err, notFound) {
		return false, nil
	}
	return false, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
