package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// ChannelExecutions is the hub channel carrying execution lifecycle events.
const ChannelExecutions = "executions"

// Execution lifecycle event names.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionFinished  = "execution.finished"
	EventExecutionCancelled = "execution.cancelled"
)

// ExecutionEvent is broadcast to the hub and published over MQTT.
type ExecutionEvent struct {
	Event       string          `json:"event"`
	ExecutionID string          `json:"execution_id"`
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

const (
	reasonShutdown  = "engine shutting down"
	reasonCancelled = "execution cancelled"
)

// ─── Kickoff ────────────────────────────────────────────────────────────────

// ExecuteRule persists a Pending execution and starts it in the background.
//
// The run is detached from ctx: it uses the engine's own cancellation scope,
// so it outlives the request that started it.
//
// Returns:
//   - string: the execution ID, available before the run completes
//   - error: ErrRuleNotFound, ErrRuleNotExecutable, ErrConcurrencyLimit,
//     ErrEngineClosed, or a persistence error
func (e *Engine) ExecuteRule(ctx context.Context, ruleID string, vars map[string]any, triggeredBy string) (string, error) {
	rule, err := e.repo.GetRule(ctx, ruleID)
	if err != nil {
		return "", err
	}
	if !rule.CanExecute() {
		return "", fmt.Errorf("%w: %s", ErrRuleNotExecutable, ruleID)
	}
	return e.start(ctx, rule, vars, triggeredBy)
}

func (e *Engine) start(ctx context.Context, rule *Rule, vars map[string]any, triggeredBy string) (string, error) {
	if err := e.acquireSlot(rule); err != nil {
		return "", err
	}

	exec := &Execution{
		ID:            GenerateID(),
		RuleID:        rule.ID,
		TriggeredBy:   triggeredBy,
		Context:       rule.buildContext(vars),
		Status:        StatusPending,
		ActionResults: []ActionResult{},
		CreatedAt:     e.now(),
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		e.releaseSlot(rule.ID, "")
		return "", err
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()

	go e.run(runCtx, rule, exec)

	e.logger.Debug("execution started",
		"execution_id", exec.ID, "rule_id", rule.ID, "triggered_by", triggeredBy)
	return exec.ID, nil
}

// acquireSlot reserves a per-rule concurrency slot and registers the run
// with the shutdown wait group.
func (e *Engine) acquireSlot(rule *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if limit := rule.Configuration.MaxConcurrentExecutions; limit > 0 && e.inflight[rule.ID] >= limit {
		return fmt.Errorf("%w: rule %s has %d running", ErrConcurrencyLimit, rule.ID, limit)
	}
	e.inflight[rule.ID]++
	e.wg.Add(1)
	return nil
}

func (e *Engine) releaseSlot(ruleID, execID string) {
	e.mu.Lock()
	if cancel, ok := e.running[execID]; ok {
		cancel()
		delete(e.running, execID)
	}
	if e.inflight[ruleID] <= 1 {
		delete(e.inflight, ruleID)
	} else {
		e.inflight[ruleID]--
	}
	e.mu.Unlock()
	e.wg.Done()
}

// ─── Run ────────────────────────────────────────────────────────────────────

// run drives one execution to a terminal state. Nothing escapes it: errors
// are logged and panics mark the execution Failed.
func (e *Engine) run(ctx context.Context, rule *Rule, exec *Execution) {
	defer e.releaseSlot(rule.ID, exec.ID)

	// Persistence must survive cancellation of the run itself.
	store := context.WithoutCancel(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("execution panicked", "execution_id", exec.ID, "rule_id", rule.ID, "panic", rec)
			e.failExecution(store, rule, exec, fmt.Sprintf("execution panic: %v", rec))
		}
	}()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		// Only shutdown cancels a run that has not started yet.
		e.abandon(store, rule, exec)
		return
	}
	defer e.workers.Release(1)

	started := e.now()
	if err := e.repo.StartExecution(store, exec.ID, started); err != nil {
		e.logger.Error("failed to start execution", "execution_id", exec.ID, "error", err)
		return
	}
	exec.Status = StatusRunning
	exec.StartedAt = &started
	e.emit(EventExecutionStarted, rule, exec)

	actions := rule.EnabledActions()
	var (
		results   []ActionResult
		cancelled bool
	)
	if rule.Configuration.RunMode == RunParallel {
		results, cancelled = e.runParallel(ctx, store, exec, actions)
	} else {
		results, cancelled = e.runSequential(ctx, store, exec, actions)
	}
	exec.ActionResults = results

	if cancelled {
		e.finishCancelled(store, rule, exec)
		return
	}
	e.finish(store, rule, exec)
}

// runSequential executes actions in order, checking for cancellation
// between them. It reports cancelled when the run must stop as Cancelled.
func (e *Engine) runSequential(ctx, store context.Context, exec *Execution, actions []Action) ([]ActionResult, bool) {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		if ctx.Err() != nil {
			return results, true
		}

		res := e.invoke(ctx, action, exec.Context)
		results = append(results, res)

		if err := e.repo.AppendActionResult(store, exec.ID, res); err != nil {
			if errors.Is(err, ErrExecutionFinished) {
				return results, true
			}
			e.logger.Warn("failed to persist action result",
				"execution_id", exec.ID, "action_id", action.ID, "error", err)
		}
		if ctx.Err() != nil {
			return results, true
		}
		if !res.Success && !action.ContinueOnError {
			e.logger.Debug("stopping after failed action",
				"execution_id", exec.ID, "action_id", action.ID)
			break
		}
	}
	return results, false
}

// runParallel starts every action at once and collects all results in
// definition order.
func (e *Engine) runParallel(ctx, store context.Context, exec *Execution, actions []Action) ([]ActionResult, bool) {
	results := make([]ActionResult, len(actions))
	var wg sync.WaitGroup
	for i, action := range actions {
		wg.Add(1)
		go func(i int, action Action) {
			defer wg.Done()
			results[i] = e.invoke(ctx, action, exec.Context)
		}(i, action)
	}
	wg.Wait()

	for i := range results {
		if err := e.repo.AppendActionResult(store, exec.ID, results[i]); err != nil {
			if errors.Is(err, ErrExecutionFinished) {
				return results, true
			}
			e.logger.Warn("failed to persist action result",
				"execution_id", exec.ID, "action_id", results[i].ActionID, "error", err)
		}
	}
	return results, ctx.Err() != nil
}

// invoke calls the executor and converts errors and panics into a failed result.
func (e *Engine) invoke(ctx context.Context, action Action, vars map[string]any) (res ActionResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = ActionResult{
				ActionID:   action.ID,
				Name:       action.Name,
				Type:       action.Type,
				Message:    fmt.Sprintf("action panic: %v", rec),
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
	}()

	res, err := e.executor.Execute(ctx, action, vars)
	if err != nil {
		res.Success = false
		res.Message = err.Error()
	}
	res.ActionID = action.ID
	res.Name = action.Name
	res.Type = action.Type
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(start).Milliseconds()
	}
	return res
}

// finish records the terminal state, folds it into rule metrics and
// announces it.
func (e *Engine) finish(store context.Context, rule *Rule, exec *Execution) {
	success := true
	var firstFailure *ActionResult
	for i := range exec.ActionResults {
		if !exec.ActionResults[i].Success {
			success = false
			if firstFailure == nil {
				firstFailure = &exec.ActionResults[i]
			}
		}
	}

	exec.Success = success
	if success {
		exec.Status = StatusCompleted
		exec.Message = fmt.Sprintf("%d action(s) completed", len(exec.ActionResults))
	} else {
		exec.Status = StatusFailed
		exec.Message = fmt.Sprintf("action %q failed: %s", firstFailure.Name, firstFailure.Message)
	}
	e.complete(store, rule, exec)
}

// failExecution marks an execution Failed with msg, whatever state it reached.
func (e *Engine) failExecution(store context.Context, rule *Rule, exec *Execution, msg string) {
	if exec.Status == StatusPending {
		at := e.now()
		if err := e.repo.StartExecution(store, exec.ID, at); err != nil && !errors.Is(err, ErrExecutionFinished) {
			e.logger.Error("failed to start execution", "execution_id", exec.ID, "error", err)
			return
		}
		exec.StartedAt = &at
	}
	exec.Status = StatusFailed
	exec.Success = false
	exec.Message = msg
	e.complete(store, rule, exec)
}

func (e *Engine) complete(store context.Context, rule *Rule, exec *Execution) {
	completed := e.now()
	exec.CompletedAt = &completed
	if exec.StartedAt != nil {
		d := completed.Sub(*exec.StartedAt).Milliseconds()
		exec.DurationMS = &d
	}

	if err := e.repo.FinishExecution(store, exec); err != nil {
		if errors.Is(err, ErrExecutionFinished) {
			// Cancelled while the last action was in flight.
			e.refreshAndEmitCancelled(store, rule, exec)
			return
		}
		e.logger.Error("failed to finish execution", "execution_id", exec.ID, "error", err)
		return
	}

	if err := e.repo.RecordRuleExecution(store, rule.ID, exec); err != nil {
		e.logger.Warn("failed to update rule metrics", "rule_id", rule.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(rule, exec)
	}

	e.logger.Info("execution finished",
		"execution_id", exec.ID,
		"rule_id", rule.ID,
		"status", exec.Status,
		"actions", len(exec.ActionResults),
	)
	e.emit(EventExecutionFinished, rule, exec)
}

// finishCancelled records a cancellation noticed by the run itself.
// Cancelled runs do not contribute to rule metrics.
func (e *Engine) finishCancelled(store context.Context, rule *Rule, exec *Execution) {
	reason := reasonCancelled
	if e.baseCtx.Err() != nil {
		reason = reasonShutdown
	}
	err := e.repo.CancelExecution(store, exec.ID, reason, e.now())
	if err != nil && !errors.Is(err, ErrExecutionFinished) {
		e.logger.Error("failed to cancel execution", "execution_id", exec.ID, "error", err)
		return
	}
	e.refreshAndEmitCancelled(store, rule, exec)
}

// abandon cancels an execution that never got a worker.
func (e *Engine) abandon(store context.Context, rule *Rule, exec *Execution) {
	at := e.now()
	if err := e.repo.StartExecution(store, exec.ID, at); err != nil {
		e.logger.Warn("failed to abandon execution", "execution_id", exec.ID, "error", err)
		return
	}
	exec.Status = StatusRunning
	exec.StartedAt = &at
	e.finishCancelled(store, rule, exec)
}

func (e *Engine) refreshAndEmitCancelled(store context.Context, rule *Rule, exec *Execution) {
	if fresh, err := e.repo.GetExecution(store, exec.ID); err == nil {
		*exec = *fresh
	} else {
		exec.Status = StatusCancelled
	}
	e.logger.Info("execution cancelled", "execution_id", exec.ID, "rule_id", rule.ID, "reason", exec.Message)
	if e.metrics != nil {
		e.metrics.RecordExecution(rule, exec)
	}
	e.emit(EventExecutionCancelled, rule, exec)
}

// emit broadcasts an execution event to the hub and publishes it over MQTT.
func (e *Engine) emit(event string, rule *Rule, exec *Execution) {
	ev := ExecutionEvent{
		Event:       event,
		ExecutionID: exec.ID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TriggeredBy: exec.TriggeredBy,
		Status:      exec.Status,
		Success:     exec.Success,
		Message:     exec.Message,
		DurationMS:  exec.DurationMS,
		Timestamp:   e.now(),
	}

	if e.hub != nil {
		e.hub.Broadcast(ChannelExecutions, ev)
	}
	if e.mqtt == nil {
		return
	}

	var topic string
	switch event {
	case EventExecutionStarted:
		topic = mqtt.Topics{}.AutomationFired(rule.ID)
	case EventExecutionCancelled:
		topic = mqtt.Topics{}.AutomationCancelled(rule.ID)
	default:
		topic = mqtt.Topics{}.AutomationCompleted(rule.ID)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("failed to marshal execution event", "error", err)
		return
	}
	if err := e.mqtt.Publish(topic, payload, 1, false); err != nil {
		e.logger.Warn("failed to publish execution event", "topic", topic, "error", err)
	}
}

// ─── Cancellation ───────────────────────────────────────────────────────────

// CancelExecution cancels a Running execution. Returns false without error
// for missing, pending or already-terminal executions; those are left
// untouched. The in-flight action is signalled through its context and the
// run stops at its next safe point.
func (e *Engine) CancelExecution(ctx context.Context, id, reason string) (bool, error) {
	exec, err := e.repo.GetExecution(ctx, id)
	if err != nil {
		return notFoundAsFalse(err, ErrExecutionNotFound)
	}
	if exec.Status != StatusRunning {
		return false, nil
	}
	if reason == "" {
		reason = reasonCancelled
	}

	if err := e.repo.CancelExecution(ctx, id, reason, e.now()); err != nil {
		return notFoundAsFalse(err, ErrExecutionFinished)
	}

	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}

	e.logger.Info("execution cancel requested", "execution_id", id, "reason", reason)
	return true, nil
}

// ─── Dry Run ────────────────────────────────────────────────────────────────

// TestRule evaluates every condition and runs the test variant of every
// action, disabled ones included. Nothing is persisted and metrics are untouched.
func (e *Engine) TestRule(ctx context.Context, id string, vars map[string]any) (*TestResult, error) {
	rule, err := e.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	merged := rule.buildContext(vars)
	result := &TestResult{
		RuleID:  rule.ID,
		Success: true,
		Context: merged,
		Steps:   []TestStep{},
	}

	for _, c := range rule.OrderedConditions() {
		stepStart := time.Now()
		ok, evalErr := c.Evaluate(merged)
		step := TestStep{
			Name:       c.Name,
			Kind:       StepCondition,
			Success:    ok && evalErr == nil,
			Result:     fmt.Sprintf("%t", ok),
			DurationMS: time.Since(stepStart).Milliseconds(),
		}
		if evalErr != nil {
			step.Error = evalErr.Error()
		}
		result.add(step)
	}

	// Disabled actions are tested as well.
	for _, action := range rule.OrderedActions() {
		stepStart := time.Now()
		res, testErr := e.testAction(ctx, action, merged)
		step := TestStep{
			Name:       action.Name,
			Kind:       StepAction,
			Success:    res.Success && testErr == nil,
			Result:     res.Message,
			Output:     res.Output,
			DurationMS: time.Since(stepStart).Milliseconds(),
			Disabled:   action.Disabled,
		}
		switch {
		case testErr != nil:
			step.Error = testErr.Error()
		case !res.Success:
			step.Error = res.Message
		}
		result.add(step)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func (r *TestResult) add(step TestStep) {
	r.Steps = append(r.Steps, step)
	if !step.Success && r.Success {
		r.Success = false
		r.ErrorMessage = fmt.Sprintf("%s %q failed", step.Kind, step.Name)
		if step.Error != "" {
			r.ErrorMessage += ": " + step.Error
		}
	}
}

func (e *Engine) testAction(ctx context.Context, action Action, vars map[string]any) (res ActionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panic: %v", rec)
		}
	}()
	return e.executor.Test(ctx, action, vars)
}

// ─── Trigger Fan-Out ────────────────────────────────────────────────────────

// TriggerAutomation starts every executable rule subscribed to trigger whose
// conditions pass against vars. Per-rule failures are logged and do not stop
// siblings. Returns the first execution ID started, or "" when none ran.
func (e *Engine) TriggerAutomation(ctx context.Context, trigger string, vars map[string]any, triggeredBy string) (string, error) {
	rules, err := e.repo.ListRulesByTrigger(ctx, trigger)
	if err != nil {
		return "", fmt.Errorf("selecting rules for trigger %q: %w", trigger, err)
	}
	if len(rules) == 0 {
		e.logger.Warn("no rules subscribed to trigger", "trigger", trigger)
		if e.metrics != nil {
			e.metrics.RecordTrigger(trigger, 0, 0)
		}
		return "", nil
	}
	if triggeredBy == "" {
		triggeredBy = "trigger:" + trigger
	}

	var first string
	started := 0
	for i := range rules {
		rule := &rules[i]
		if !rule.CanExecute() {
			continue
		}

		passed, failed, evalErr := rule.EvaluateConditions(rule.buildContext(vars))
		if evalErr != nil {
			e.logger.Warn("condition evaluation failed",
				"rule_id", rule.ID, "condition", failed, "error", evalErr)
			continue
		}
		if !passed {
			e.logger.Debug("conditions not met", "rule_id", rule.ID, "condition", failed)
			continue
		}

		id, err := e.start(ctx, rule, vars, triggeredBy)
		if err != nil {
			e.logger.Warn("failed to start triggered rule",
				"rule_id", rule.ID, "trigger", trigger, "error", err)
			continue
		}
		started++
		if first == "" {
			first = id
		}
	}

	if e.metrics != nil {
		e.metrics.RecordTrigger(trigger, len(rules), started)
	}
	e.logger.Debug("trigger processed", "trigger", trigger, "matched", len(rules), "started", started)
	return first, nil
}
