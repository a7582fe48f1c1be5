package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// fakeExecutor runs actions by name: failures and blocking are configured
// per action name, every call is recorded.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	tests   []string
	fail    map[string]string        // action name -> failure message
	block   map[string]chan struct{} // action name -> released when closed
	panics  map[string]bool
	started chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		fail:    make(map[string]string),
		block:   make(map[string]chan struct{}),
		panics:  make(map[string]bool),
		started: make(chan string, 64),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, action Action, _ map[string]any) (ActionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action.Name)
	msg, fails := f.fail[action.Name]
	gate := f.block[action.Name]
	panics := f.panics[action.Name]
	f.mu.Unlock()

	f.started <- action.Name

	if panics {
		panic("handler exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ActionResult{}, ctx.Err()
		}
	}
	if fails {
		return ActionResult{Message: msg}, nil
	}
	return ActionResult{Success: true, Message: "ran " + action.Name}, nil
}

func (f *fakeExecutor) Test(_ context.Context, action Action, _ map[string]any) (ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests = append(f.tests, action.Name)
	if msg, ok := f.fail[action.Name]; ok {
		return ActionResult{Message: msg}, nil
	}
	return ActionResult{Success: true, Message: "would run " + action.Name}, nil
}

func (f *fakeExecutor) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// waitStarted blocks until the named action has been invoked.
func (f *fakeExecutor) waitStarted(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("action %q never started", name)
		}
	}
}

// mockWSHub captures all broadcasts.
type mockWSHub struct {
	mu     sync.Mutex
	events []ExecutionEvent
}

func (m *mockWSHub) Broadcast(channel string, payload any) {
	if channel != ChannelExecutions {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := payload.(ExecutionEvent); ok {
		m.events = append(m.events, ev)
	}
}

func (m *mockWSHub) eventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.events))
	for i, ev := range m.events {
		names[i] = ev.Event
	}
	return names
}

// mockMQTT captures published topics.
type mockMQTT struct {
	mu     sync.Mutex
	topics []string
}

func (m *mockMQTT) Publish(topic string, _ []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockMQTT) getTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.topics...)
}

type triggerRecord struct {
	trigger          string
	matched, started int
}

// mockRecorder captures telemetry calls.
type mockRecorder struct {
	mu         sync.Mutex
	executions []ExecutionStatus
	triggers   []triggerRecord
}

func (m *mockRecorder) RecordExecution(_ *Rule, exec *Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, exec.Status)
}

func (m *mockRecorder) RecordTrigger(trigger string, matched, started int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, triggerRecord{trigger, matched, started})
}

// mockTriggers records registrations and replays queued events.
type mockTriggers struct {
	mu         sync.Mutex
	registered map[string][]string
	queue      []string
}

func newMockTriggers() *mockTriggers {
	return &mockTriggers{registered: make(map[string][]string)}
}

func (m *mockTriggers) RegisterTriggers(_ context.Context, ruleID string, triggers []Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = t.Name
	}
	m.registered[ruleID] = names
	return nil
}

func (m *mockTriggers) UnregisterTriggers(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, ruleID)
	return nil
}

func (m *mockTriggers) ProcessTriggers(ctx context.Context, sink TriggerSink) error {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, name := range queued {
		if _, err := sink.TriggerAutomation(ctx, name, nil, "mqtt:test/"+name); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockTriggers) names(ruleID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.registered[ruleID]
	return n, ok
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ─── Helper ─────────────────────────────────────────────────────────────────

type engineFixture struct {
	engine   *Engine
	repo     *SQLiteRepository
	exec     *fakeExecutor
	hub      *mockWSHub
	mqtt     *mockMQTT
	recorder *mockRecorder
	triggers *mockTriggers
	clock    *testClock
}

func setupEngine(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()

	f := &engineFixture{
		repo:     NewSQLiteRepository(setupTestDB(t)),
		exec:     newFakeExecutor(),
		hub:      &mockWSHub{},
		mqtt:     &mockMQTT{},
		recorder: &mockRecorder{},
		triggers: newMockTriggers(),
		clock:    &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}

	engine, err := NewEngine(Deps{
		Repo:     f.repo,
		Executor: f.exec,
		Triggers: f.triggers,
		Hub:      f.hub,
		MQTT:     f.mqtt,
		Metrics:  f.recorder,
		Config:   cfg,
		Now:      f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Close(ctx) //nolint:errcheck // test teardown
	})
	f.engine = engine
	return f
}

func actionsNamed(names ...string) []Action {
	out := make([]Action, len(names))
	for i, n := range names {
		out[i] = Action{Name: n, Type: "fake", Order: i}
	}
	return out
}

func (f *engineFixture) create(t *testing.T, in NewRule) string {
	t.Helper()
	id, err := f.engine.CreateRule(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRule(%s): %v", in.Name, err)
	}
	return id
}

// runToEnd executes a rule and returns its finished execution.
func (f *engineFixture) runToEnd(t *testing.T, ruleID string, vars map[string]any) *Execution {
	t.Helper()
	ctx := context.Background()
	execID, err := f.engine.ExecuteRule(ctx, ruleID, vars, "manual")
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.engine.Wait()
	exec, err := f.engine.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return exec
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNewEngine_RequiresDependencies(t *testing.T) {
	if _, err := NewEngine(Deps{Executor: newFakeExecutor()}); err == nil {
		t.Error("NewEngine without repository should fail")
	}
	repo := NewSQLiteRepository(setupTestDB(t))
	if _, err := NewEngine(Deps{Repo: repo}); err == nil {
		t.Error("NewEngine without executor should fail")
	}
}

// ─── Rule CRUD ──────────────────────────────────────────────────────────────

func TestEngine_CreateRule(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()

	id := f.create(t, NewRule{
		Name:     "Hall light",
		Triggers: []Trigger{{Name: "motion.hall"}},
		Actions:  actionsNamed("on"),
		Schedule: &Schedule{Type: ScheduleInterval, IntervalSeconds: 300},
	})

	rule, err := f.engine.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if !rule.Enabled || rule.Status != RuleActive {
		t.Errorf("new rule enabled=%v status=%q", rule.Enabled, rule.Status)
	}
	if rule.Actions[0].ID == "" {
		t.Error("action ID should be generated")
	}
	want := f.clock.Now().Add(5 * time.Minute)
	if rule.NextExecutionAt == nil || !rule.NextExecutionAt.Equal(want) {
		t.Errorf("NextExecutionAt = %v, want %v", rule.NextExecutionAt, want)
	}
	if names, ok := f.triggers.names(id); !ok || len(names) != 1 || names[0] != "motion.hall" {
		t.Errorf("registered triggers = %v, want [motion.hall]", names)
	}

	t.Run("validation", func(t *testing.T) {
		_, err := f.engine.CreateRule(ctx, NewRule{Name: "Empty"})
		if !errors.Is(err, ErrNoActions) {
			t.Errorf("error = %v, want ErrNoActions", err)
		}
		_, err = f.engine.CreateRule(ctx, NewRule{Name: "Bad", Actions: actionsNamed("a"),
			Schedule: &Schedule{Type: ScheduleCron, CronExpression: "not cron"}})
		if !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("error = %v, want ErrInvalidSchedule", err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := f.engine.CreateRule(ctx, NewRule{Name: "Hall light", Actions: actionsNamed("a")})
		if !errors.Is(err, ErrRuleExists) {
			t.Errorf("error = %v, want ErrRuleExists", err)
		}
	})
}

func TestEngine_UpdateRule(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	id := f.create(t, NewRule{
		Name:     "Update me",
		Triggers: []Trigger{{Name: "old"}},
		Actions:  actionsNamed("a"),
		Schedule: &Schedule{Type: ScheduleInterval, IntervalSeconds: 60},
	})

	name := "Updated"
	found, err := f.engine.UpdateRule(ctx, id, RuleUpdate{
		Name:          &name,
		Triggers:      []Trigger{{Name: "new"}},
		ClearSchedule: true,
	})
	if err != nil || !found {
		t.Fatalf("UpdateRule = %v, %v", found, err)
	}

	rule, _ := f.engine.GetRule(ctx, id)
	if rule.Name != "Updated" {
		t.Errorf("Name = %q", rule.Name)
	}
	if rule.Schedule != nil || rule.NextExecutionAt != nil {
		t.Error("schedule should be cleared")
	}
	if names, _ := f.triggers.names(id); len(names) != 1 || names[0] != "new" {
		t.Errorf("registered triggers = %v, want [new]", names)
	}

	empty := ""
	if _, err := f.engine.UpdateRule(ctx, id, RuleUpdate{Name: &empty}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("invalid update error = %v, want ErrInvalidName", err)
	}

	found, err = f.engine.UpdateRule(ctx, "missing", RuleUpdate{Name: &name})
	if err != nil || found {
		t.Errorf("UpdateRule(missing) = %v, %v; want false, nil", found, err)
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	id := f.create(t, NewRule{Name: "Lifecycle", Actions: actionsNamed("a")})

	steps := []struct {
		name        string
		op          func(context.Context, string) (bool, error)
		wantEnabled bool
		wantStatus  RuleStatus
	}{
		{"disable", f.engine.DisableRule, false, RuleDisabled},
		{"resume keeps disabled", f.engine.ResumeRule, false, RuleDisabled},
		{"enable", f.engine.EnableRule, true, RuleActive},
		{"pause", f.engine.PauseRule, true, RulePaused},
		{"resume", f.engine.ResumeRule, true, RuleActive},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			found, err := st.op(ctx, id)
			if err != nil || !found {
				t.Fatalf("op = %v, %v", found, err)
			}
			rule, _ := f.engine.GetRule(ctx, id)
			if rule.Enabled != st.wantEnabled || rule.Status != st.wantStatus {
				t.Errorf("enabled=%v status=%q, want %v %q", rule.Enabled, rule.Status, st.wantEnabled, st.wantStatus)
			}
		})
	}

	found, err := f.engine.PauseRule(ctx, "missing")
	if err != nil || found {
		t.Errorf("PauseRule(missing) = %v, %v; want false, nil", found, err)
	}
}

func TestEngine_DeleteRule(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	id := f.create(t, NewRule{Name: "Doomed", Triggers: []Trigger{{Name: "t"}}, Actions: actionsNamed("a")})

	found, err := f.engine.DeleteRule(ctx, id)
	if err != nil || !found {
		t.Fatalf("DeleteRule = %v, %v", found, err)
	}
	if _, ok := f.triggers.names(id); ok {
		t.Error("triggers should be unregistered on delete")
	}
	if _, err := f.engine.GetRule(ctx, id); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("GetRule after delete error = %v", err)
	}
	if _, err := f.engine.ExecuteRule(ctx, id, nil, "manual"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("ExecuteRule after delete error = %v, want ErrRuleNotFound", err)
	}

	found, err = f.engine.DeleteRule(ctx, id)
	if err != nil || found {
		t.Errorf("second DeleteRule = %v, %v; want false, nil", found, err)
	}
}

func TestEngine_SyncTriggers(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	id := f.create(t, NewRule{Name: "Persisted", Triggers: []Trigger{{Name: "boot"}}, Actions: actionsNamed("a")})
	f.engine.DisableRule(context.Background(), id) //nolint:errcheck // exercised elsewhere

	f.triggers.UnregisterTriggers(context.Background(), id) //nolint:errcheck // mock
	if err := f.engine.SyncTriggers(context.Background()); err != nil {
		t.Fatalf("SyncTriggers: %v", err)
	}
	if names, ok := f.triggers.names(id); !ok || names[0] != "boot" {
		t.Errorf("disabled rule triggers should be re-registered, got %v", names)
	}
}

// ─── Execution ──────────────────────────────────────────────────────────────

func TestEngine_ExecuteRule_Success(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	id := f.create(t, NewRule{
		Name:          "Good",
		Actions:       actionsNamed("first", "second"),
		Configuration: &Configuration{Variables: map[string]any{"room": "hall", "level": 1}},
	})

	exec := f.runToEnd(t, id, map[string]any{"level": 5})

	if exec.Status != StatusCompleted || !exec.Success {
		t.Fatalf("execution = %s success=%v (%s)", exec.Status, exec.Success, exec.Message)
	}
	if len(exec.ActionResults) != 2 {
		t.Errorf("got %d action results, want 2", len(exec.ActionResults))
	}
	if exec.Context["room"] != "hall" {
		t.Errorf("rule variables should be merged, context = %v", exec.Context)
	}
	if exec.Context["level"] != float64(5) {
		t.Errorf("supplied context should win, level = %v", exec.Context["level"])
	}
	if exec.StartedAt == nil || exec.CompletedAt == nil || exec.DurationMS == nil {
		t.Error("finished execution should have timestamps and duration")
	}

	m, err := f.engine.RuleMetrics(context.Background(), id)
	if err != nil {
		t.Fatalf("RuleMetrics: %v", err)
	}
	if m.TotalExecutions != 1 || m.SuccessfulExecutions != 1 || m.SuccessRate != 100 {
		t.Errorf("metrics = %+v", m)
	}

	if got := f.hub.eventNames(); strings.Join(got, ",") != EventExecutionStarted+","+EventExecutionFinished {
		t.Errorf("hub events = %v", got)
	}
	var tp mqtt.Topics
	topics := f.mqtt.getTopics()
	if len(topics) != 2 || topics[0] != tp.AutomationFired(id) || topics[1] != tp.AutomationCompleted(id) {
		t.Errorf("mqtt topics = %v", topics)
	}
	if len(f.recorder.executions) != 1 || f.recorder.executions[0] != StatusCompleted {
		t.Errorf("recorded executions = %v", f.recorder.executions)
	}
}

func TestEngine_ExecuteRule_SequentialStopsOnFailure(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.exec.fail["second"] = "device offline"
	id := f.create(t, NewRule{Name: "Stops", Actions: actionsNamed("first", "second", "third")})

	exec := f.runToEnd(t, id, nil)

	if got := f.exec.getCalls(); strings.Join(got, ",") != "first,second" {
		t.Errorf("calls = %v, want first,second", got)
	}
	if exec.Status != StatusFailed || exec.Success {
		t.Errorf("status = %s success=%v, want failed", exec.Status, exec.Success)
	}
	if !strings.Contains(exec.Message, "device offline") {
		t.Errorf("Message = %q, should carry the failure", exec.Message)
	}
	if len(exec.ActionResults) != 2 {
		t.Errorf("got %d results, want 2", len(exec.ActionResults))
	}

	m, _ := f.engine.RuleMetrics(context.Background(), id)
	if m.FailedExecutions != 1 || m.ConsecutiveFailures != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestEngine_ExecuteRule_ContinueOnError(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.exec.fail["second"] = "boom"
	acts := actionsNamed("first", "second", "third")
	acts[1].ContinueOnError = true
	id := f.create(t, NewRule{Name: "Continues", Actions: acts})

	exec := f.runToEnd(t, id, nil)

	if got := f.exec.getCalls(); len(got) != 3 {
		t.Errorf("calls = %v, want all three", got)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s, want failed because one action failed", exec.Status)
	}
}

func TestEngine_ExecuteRule_OrderAndDisabledActions(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	acts := []Action{
		{Name: "late", Type: "fake", Order: 3},
		{Name: "skipped", Type: "fake", Disabled: true, Order: 1},
		{Name: "early", Type: "fake", Order: 0},
	}
	id := f.create(t, NewRule{Name: "Ordered", Actions: acts})

	f.runToEnd(t, id, nil)

	if got := f.exec.getCalls(); strings.Join(got, ",") != "early,late" {
		t.Errorf("calls = %v, want early,late", got)
	}
}

func TestEngine_ExecuteRule_ZeroValueActionRuns(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	id := f.create(t, NewRule{Name: "Bare", Actions: []Action{{Name: "a", Type: "fake"}}})

	exec := f.runToEnd(t, id, nil)

	if got := f.exec.getCalls(); strings.Join(got, ",") != "a" {
		t.Errorf("calls = %v, want the action to run", got)
	}
	if exec.Status != StatusCompleted || len(exec.ActionResults) != 1 {
		t.Errorf("execution = %s with %d results, want completed with 1", exec.Status, len(exec.ActionResults))
	}
}

func TestEngine_ExecuteRule_AllActionsDisabled(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	id := f.create(t, NewRule{Name: "Dormant", Actions: []Action{{Name: "a", Type: "fake", Disabled: true}}})

	if _, err := f.engine.ExecuteRule(context.Background(), id, nil, "manual"); !errors.Is(err, ErrRuleNotExecutable) {
		t.Errorf("error = %v, want ErrRuleNotExecutable", err)
	}
	if calls := f.exec.getCalls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestEngine_ExecuteRule_Parallel(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.exec.fail["b"] = "nope"
	id := f.create(t, NewRule{
		Name:          "Fan",
		Actions:       actionsNamed("a", "b", "c"),
		Configuration: &Configuration{RunMode: RunParallel},
	})

	exec := f.runToEnd(t, id, nil)

	if got := f.exec.getCalls(); len(got) != 3 {
		t.Errorf("calls = %v, want all three despite the failure", got)
	}
	if len(exec.ActionResults) != 3 {
		t.Fatalf("got %d results, want 3", len(exec.ActionResults))
	}
	for i, want := range []string{"a", "b", "c"} {
		if exec.ActionResults[i].Name != want {
			t.Errorf("results[%d] = %q, want %q (definition order)", i, exec.ActionResults[i].Name, want)
		}
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
}

func TestEngine_ExecuteRule_PanicIsContained(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.exec.panics["bad"] = true
	id := f.create(t, NewRule{Name: "Panics", Actions: actionsNamed("bad")})

	exec := f.runToEnd(t, id, nil)

	if exec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if len(exec.ActionResults) != 1 || !strings.Contains(exec.ActionResults[0].Message, "panic") {
		t.Errorf("results = %+v", exec.ActionResults)
	}
}

func TestEngine_ExecuteRule_NotExecutable(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	id := f.create(t, NewRule{Name: "Paused", Actions: actionsNamed("a")})
	f.engine.PauseRule(ctx, id) //nolint:errcheck // checked in lifecycle test

	if _, err := f.engine.ExecuteRule(ctx, id, nil, "manual"); !errors.Is(err, ErrRuleNotExecutable) {
		t.Errorf("error = %v, want ErrRuleNotExecutable", err)
	}
	if _, err := f.engine.ExecuteRule(ctx, "missing", nil, "manual"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("error = %v, want ErrRuleNotFound", err)
	}
}

func TestEngine_ConcurrencyLimit(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	gate := make(chan struct{})
	f.exec.block["slow"] = gate
	id := f.create(t, NewRule{
		Name:          "Single",
		Actions:       actionsNamed("slow"),
		Configuration: &Configuration{MaxConcurrentExecutions: 1},
	})

	if _, err := f.engine.ExecuteRule(ctx, id, nil, "manual"); err != nil {
		t.Fatalf("first ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "slow")

	if _, err := f.engine.ExecuteRule(ctx, id, nil, "manual"); !errors.Is(err, ErrConcurrencyLimit) {
		t.Errorf("second ExecuteRule error = %v, want ErrConcurrencyLimit", err)
	}

	close(gate)
	f.engine.Wait()

	if _, err := f.engine.ExecuteRule(ctx, id, nil, "manual"); err != nil {
		t.Errorf("slot should be released after the run, got %v", err)
	}
	f.engine.Wait()
}

func TestEngine_WorkerPoolBoundsRuns(t *testing.T) {
	f := setupEngine(t, EngineConfig{MaxWorkers: 1})
	ctx := context.Background()
	gate := make(chan struct{})
	f.exec.block["hold"] = gate
	holder := f.create(t, NewRule{Name: "Holder", Actions: actionsNamed("hold")})
	waiter := f.create(t, NewRule{Name: "Waiter", Actions: actionsNamed("quick")})

	if _, err := f.engine.ExecuteRule(ctx, holder, nil, "manual"); err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "hold")

	execID, err := f.engine.ExecuteRule(ctx, waiter, nil, "manual")
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	exec, _ := f.engine.GetExecution(ctx, execID)
	if exec.Status != StatusPending {
		t.Errorf("queued execution status = %s, want pending while the pool is full", exec.Status)
	}

	close(gate)
	f.engine.Wait()
	exec, _ = f.engine.GetExecution(ctx, execID)
	if exec.Status != StatusCompleted {
		t.Errorf("status after pool frees = %s, want completed", exec.Status)
	}
}

// ─── Cancellation ───────────────────────────────────────────────────────────

func TestEngine_CancelExecution(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	f.exec.block["wait"] = make(chan struct{})
	id := f.create(t, NewRule{Name: "Cancellable", Actions: actionsNamed("wait", "never")})

	execID, err := f.engine.ExecuteRule(ctx, id, nil, "manual")
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "wait")

	cancelled, err := f.engine.CancelExecution(ctx, execID, "user request")
	if err != nil || !cancelled {
		t.Fatalf("CancelExecution = %v, %v; want true", cancelled, err)
	}
	f.engine.Wait()

	exec, _ := f.engine.GetExecution(ctx, execID)
	if exec.Status != StatusCancelled || exec.Success {
		t.Errorf("status = %s success=%v, want cancelled", exec.Status, exec.Success)
	}
	if exec.Message != "user request" {
		t.Errorf("Message = %q, want the cancel reason", exec.Message)
	}
	for _, c := range f.exec.getCalls() {
		if c == "never" {
			t.Error("no action should start after cancellation")
		}
	}

	m, _ := f.engine.RuleMetrics(ctx, id)
	if m.TotalExecutions != 0 {
		t.Errorf("cancelled run should not count in rule metrics, got %d", m.TotalExecutions)
	}
	names := f.hub.eventNames()
	if names[len(names)-1] != EventExecutionCancelled {
		t.Errorf("last hub event = %q, want %q", names[len(names)-1], EventExecutionCancelled)
	}
	var tp mqtt.Topics
	topics := f.mqtt.getTopics()
	if topics[len(topics)-1] != tp.AutomationCancelled(id) {
		t.Errorf("last topic = %q", topics[len(topics)-1])
	}

	t.Run("second cancel is a no-op", func(t *testing.T) {
		cancelled, err := f.engine.CancelExecution(ctx, execID, "again")
		if err != nil || cancelled {
			t.Errorf("CancelExecution = %v, %v; want false, nil", cancelled, err)
		}
		exec, _ := f.engine.GetExecution(ctx, execID)
		if exec.Message != "user request" {
			t.Errorf("Message changed to %q", exec.Message)
		}
	})

	t.Run("unknown execution", func(t *testing.T) {
		cancelled, err := f.engine.CancelExecution(ctx, "missing", "")
		if err != nil || cancelled {
			t.Errorf("CancelExecution = %v, %v; want false, nil", cancelled, err)
		}
	})
}

func TestEngine_CloseCancelsInFlightRuns(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.exec.block["wait"] = make(chan struct{})
	id := f.create(t, NewRule{Name: "Shutdown", Actions: actionsNamed("wait")})

	execID, err := f.engine.ExecuteRule(context.Background(), id, nil, "manual")
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "wait")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.engine.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close error = %v, want deadline exceeded", err)
	}

	exec, _ := f.engine.GetExecution(context.Background(), execID)
	if exec.Status != StatusCancelled || exec.Message != reasonShutdown {
		t.Errorf("execution = %s %q, want cancelled by shutdown", exec.Status, exec.Message)
	}
	if _, err := f.engine.ExecuteRule(context.Background(), id, nil, "manual"); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("ExecuteRule after Close error = %v, want ErrEngineClosed", err)
	}
}

// ─── Trigger Fan-Out ────────────────────────────────────────────────────────

func TestEngine_TriggerAutomation(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()

	plain := f.create(t, NewRule{Name: "Plain", Triggers: []Trigger{{Name: "door"}}, Actions: actionsNamed("plain")})
	guarded := f.create(t, NewRule{
		Name:       "Guarded",
		Triggers:   []Trigger{{Name: "door"}},
		Conditions: []Condition{{Name: "cold", Field: "temp", Operator: OpLessThan, Value: 10}},
		Actions:    actionsNamed("guarded"),
	})
	f.create(t, NewRule{Name: "Other", Triggers: []Trigger{{Name: "window"}}, Actions: actionsNamed("other")})
	paused := f.create(t, NewRule{Name: "Paused", Triggers: []Trigger{{Name: "door"}}, Actions: actionsNamed("paused")})
	f.engine.PauseRule(ctx, paused) //nolint:errcheck // checked in lifecycle test

	first, err := f.engine.TriggerAutomation(ctx, "door", map[string]any{"temp": 15}, "")
	if err != nil {
		t.Fatalf("TriggerAutomation: %v", err)
	}
	f.engine.Wait()

	if got := f.exec.getCalls(); strings.Join(got, ",") != "plain" {
		t.Errorf("calls = %v, want only the plain rule", got)
	}
	exec, err := f.engine.GetExecution(ctx, first)
	if err != nil {
		t.Fatalf("GetExecution(first): %v", err)
	}
	if exec.RuleID != plain || exec.TriggeredBy != "trigger:door" {
		t.Errorf("execution rule=%s triggered_by=%q", exec.RuleID, exec.TriggeredBy)
	}
	if h, _ := f.engine.ListExecutions(ctx, guarded, ExecutionFilter{}); len(h) != 0 {
		t.Errorf("guarded rule should not run, has %d executions", len(h))
	}

	want := triggerRecord{trigger: "door", matched: 2, started: 1}
	if len(f.recorder.triggers) != 1 || f.recorder.triggers[0] != want {
		t.Errorf("recorded triggers = %+v, want %+v", f.recorder.triggers, want)
	}

	t.Run("conditions pass", func(t *testing.T) {
		if _, err := f.engine.TriggerAutomation(ctx, "door", map[string]any{"temp": 5}, "api"); err != nil {
			t.Fatalf("TriggerAutomation: %v", err)
		}
		f.engine.Wait()
		if h, _ := f.engine.ListExecutions(ctx, guarded, ExecutionFilter{}); len(h) != 1 || h[0].TriggeredBy != "api" {
			t.Errorf("guarded history = %+v", h)
		}
	})

	t.Run("no subscribers", func(t *testing.T) {
		id, err := f.engine.TriggerAutomation(ctx, "nobody", nil, "")
		if err != nil || id != "" {
			t.Errorf("TriggerAutomation = %q, %v; want empty, nil", id, err)
		}
	})
}

func TestEngine_TriggerAutomation_ConditionEnabledByDefault(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	id := f.create(t, NewRule{
		Name:       "Cold only",
		Triggers:   []Trigger{{Name: "sensor"}},
		Conditions: []Condition{{Name: "cold", Field: "temp", Operator: OpLessThan, Value: 10}},
		Actions:    actionsNamed("heat"),
	})

	rule, err := f.engine.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if rule.Conditions[0].Disabled {
		t.Fatal("condition stored as disabled")
	}

	first, err := f.engine.TriggerAutomation(ctx, "sensor", map[string]any{"temp": 50}, "")
	if err != nil {
		t.Fatalf("TriggerAutomation: %v", err)
	}
	f.engine.Wait()
	if first != "" || len(f.exec.getCalls()) != 0 {
		t.Errorf("warm reading started %q, calls = %v; want nothing", first, f.exec.getCalls())
	}
}

func TestEngine_TriggerAutomation_SiblingFailureIsolated(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	gate := make(chan struct{})
	f.exec.block["busy"] = gate
	busy := f.create(t, NewRule{
		Name:          "A busy",
		Triggers:      []Trigger{{Name: "go"}},
		Actions:       actionsNamed("busy"),
		Configuration: &Configuration{MaxConcurrentExecutions: 1, Priority: 90},
	})
	f.create(t, NewRule{Name: "B free", Triggers: []Trigger{{Name: "go"}}, Actions: actionsNamed("free")})

	if _, err := f.engine.ExecuteRule(ctx, busy, nil, "manual"); err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "busy")

	first, err := f.engine.TriggerAutomation(ctx, "go", nil, "")
	if err != nil {
		t.Fatalf("TriggerAutomation: %v", err)
	}
	if first == "" {
		t.Fatal("the free rule should still start")
	}
	exec, _ := f.engine.GetExecution(ctx, first)
	if exec.RuleID == busy {
		t.Error("the busy rule is at its limit and must not start")
	}

	close(gate)
	f.engine.Wait()
}

func TestEngine_ProcessTriggeredAutomations(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.create(t, NewRule{Name: "Queued", Triggers: []Trigger{{Name: "bell"}}, Actions: actionsNamed("ring")})

	f.triggers.queue = []string{"bell", "bell"}
	if err := f.engine.ProcessTriggeredAutomations(context.Background()); err != nil {
		t.Fatalf("ProcessTriggeredAutomations: %v", err)
	}
	f.engine.Wait()

	if got := f.exec.getCalls(); len(got) != 2 {
		t.Errorf("calls = %v, want two runs", got)
	}
}

// ─── Scheduling ─────────────────────────────────────────────────────────────

func TestEngine_ProcessScheduledAutomations(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	id := f.create(t, NewRule{
		Name:     "Every five minutes",
		Actions:  actionsNamed("tick"),
		Schedule: &Schedule{Type: ScheduleInterval, IntervalSeconds: 300},
	})

	n, err := f.engine.ProcessScheduledAutomations(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep before due = %d, %v; want 0", n, err)
	}

	f.clock.Advance(5*time.Minute + time.Second)
	n, err = f.engine.ProcessScheduledAutomations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep when due = %d, %v; want 1", n, err)
	}
	f.engine.Wait()

	rule, _ := f.engine.GetRule(ctx, id)
	want := f.clock.Now().Add(5 * time.Minute)
	if rule.NextExecutionAt == nil || !rule.NextExecutionAt.Equal(want) {
		t.Errorf("NextExecutionAt = %v, want %v", rule.NextExecutionAt, want)
	}
	h, _ := f.engine.ListExecutions(ctx, id, ExecutionFilter{})
	if len(h) != 1 || h[0].TriggeredBy != "schedule" {
		t.Errorf("history = %+v", h)
	}

	if n, _ := f.engine.ProcessScheduledAutomations(ctx); n != 0 {
		t.Errorf("repeat sweep at the same instant started %d, want 0", n)
	}
	f.clock.Advance(time.Minute)
	if n, _ := f.engine.ProcessScheduledAutomations(ctx); n != 0 {
		t.Errorf("sweep one minute later started %d, want 0", n)
	}
}

func TestEngine_ProcessScheduledAutomations_AdvancesOnFailedKickoff(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	gate := make(chan struct{})
	f.exec.block["slow"] = gate
	id := f.create(t, NewRule{
		Name:          "Busy schedule",
		Actions:       actionsNamed("slow"),
		Schedule:      &Schedule{Type: ScheduleInterval, IntervalSeconds: 60},
		Configuration: &Configuration{MaxConcurrentExecutions: 1},
	})

	if _, err := f.engine.ExecuteRule(ctx, id, nil, "manual"); err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "slow")

	f.clock.Advance(2 * time.Minute)
	n, err := f.engine.ProcessScheduledAutomations(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("started %d, want 0 while the rule is at its limit", n)
	}

	rule, _ := f.engine.GetRule(ctx, id)
	if rule.NextExecutionAt == nil || !rule.NextExecutionAt.After(f.clock.Now()) {
		t.Errorf("NextExecutionAt = %v, should move past now even though kickoff failed", rule.NextExecutionAt)
	}

	close(gate)
	f.engine.Wait()
}

func TestEngine_ProcessScheduledAutomations_OnceExhausts(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	at := f.clock.Now().Add(time.Hour)
	id := f.create(t, NewRule{
		Name:     "One shot",
		Actions:  actionsNamed("once"),
		Schedule: &Schedule{Type: ScheduleOnce, StartAt: &at},
	})

	f.clock.Advance(2 * time.Hour)
	if n, err := f.engine.ProcessScheduledAutomations(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	f.engine.Wait()

	rule, _ := f.engine.GetRule(ctx, id)
	if rule.NextExecutionAt != nil {
		t.Errorf("NextExecutionAt = %v, want nil once the one-shot has run", rule.NextExecutionAt)
	}
}

func TestEngine_ResumeReschedules(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	at := f.clock.Now().Add(time.Hour)
	id := f.create(t, NewRule{
		Name:     "Resumable",
		Actions:  actionsNamed("a"),
		Schedule: &Schedule{Type: ScheduleInterval, IntervalSeconds: 600, StartAt: &at},
	})
	if err := f.repo.SetNextExecution(ctx, id, nil); err != nil {
		t.Fatalf("SetNextExecution: %v", err)
	}

	f.engine.PauseRule(ctx, id)  //nolint:errcheck // checked in lifecycle test
	f.engine.ResumeRule(ctx, id) //nolint:errcheck // checked in lifecycle test

	rule, _ := f.engine.GetRule(ctx, id)
	if rule.NextExecutionAt == nil || !rule.NextExecutionAt.Equal(at) {
		t.Errorf("NextExecutionAt = %v, want %v", rule.NextExecutionAt, at)
	}
}

// ─── Cleanup & Stats ────────────────────────────────────────────────────────

func TestEngine_CleanupOldExecutions(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()

	if _, err := f.engine.CleanupOldExecutions(ctx, 0); err == nil {
		t.Error("zero max age should be rejected")
	}

	done := f.create(t, NewRule{Name: "Done", Actions: actionsNamed("a")})
	finished := f.runToEnd(t, done, nil)

	gate := make(chan struct{})
	f.exec.block["slow"] = gate
	slow := f.create(t, NewRule{Name: "Slow", Actions: actionsNamed("slow")})
	runningID, err := f.engine.ExecuteRule(ctx, slow, nil, "manual")
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	f.exec.waitStarted(t, "slow")

	f.clock.Advance(48 * time.Hour)
	n, err := f.engine.CleanupOldExecutions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldExecutions: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := f.engine.GetExecution(ctx, finished.ID); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("old finished execution error = %v, want ErrExecutionNotFound", err)
	}
	if _, err := f.engine.GetExecution(ctx, runningID); err != nil {
		t.Errorf("running execution must survive cleanup: %v", err)
	}

	close(gate)
	f.engine.Wait()
}

func TestEngine_GlobalStats(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()

	stats, err := f.engine.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats: %v", err)
	}
	if stats != (GlobalStats{}) {
		t.Errorf("empty engine stats = %+v, want zero", stats)
	}

	f.exec.fail["bad"] = "x"
	good := f.create(t, NewRule{Name: "Good", Actions: actionsNamed("good")})
	bad := f.create(t, NewRule{Name: "Bad", Actions: actionsNamed("bad")})
	off := f.create(t, NewRule{Name: "Off", Actions: actionsNamed("good")})
	f.engine.DisableRule(ctx, off) //nolint:errcheck // checked in lifecycle test
	f.runToEnd(t, good, nil)
	f.runToEnd(t, bad, nil)

	stats, err = f.engine.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats: %v", err)
	}
	want := GlobalStats{TotalRules: 3, ActiveRules: 2, TotalExecutions: 2, SuccessfulExecutions: 1, SuccessRate: 50}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestEngine_ListRuleSummaries(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	f.create(t, NewRule{Name: "Summarised", Category: "security", Triggers: []Trigger{{Name: "a"}, {Name: "b"}}, Actions: actionsNamed("x")})
	f.create(t, NewRule{Name: "Elsewhere", Category: "lighting", Actions: actionsNamed("x")})

	summaries, err := f.engine.ListRuleSummaries(context.Background(), "security")
	if err != nil {
		t.Fatalf("ListRuleSummaries: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	s := summaries[0]
	if s.TriggerCount != 2 || s.ActionCount != 1 || s.Health != HealthUnknown {
		t.Errorf("summary = %+v", s)
	}
}

// ─── Dry Run ────────────────────────────────────────────────────────────────

func TestEngine_TestRule(t *testing.T) {
	f := setupEngine(t, EngineConfig{})
	ctx := context.Background()
	f.exec.fail["second"] = "invalid parameters"
	f.exec.fail["dormant"] = "missing topic"
	acts := actionsNamed("first", "second")
	acts = append(acts, Action{Name: "dormant", Type: "fake", Order: 5, Disabled: true})
	id := f.create(t, NewRule{
		Name:       "Dry",
		Conditions: []Condition{{Name: "warm", Field: "temp", Operator: OpGreaterThan, Value: 20}},
		Actions:    acts,
	})

	result, err := f.engine.TestRule(ctx, id, map[string]any{"temp": 15})
	if err != nil {
		t.Fatalf("TestRule: %v", err)
	}
	if result.Success {
		t.Error("dry run should fail")
	}
	if !strings.Contains(result.ErrorMessage, `condition "warm"`) {
		t.Errorf("ErrorMessage = %q, want the first failing step", result.ErrorMessage)
	}
	if len(result.Steps) != 4 {
		t.Fatalf("got %d steps, want every condition and action", len(result.Steps))
	}
	if result.Steps[2].Error != "invalid parameters" {
		t.Errorf("action step = %+v", result.Steps[2])
	}
	if dormant := result.Steps[3]; dormant.Name != "dormant" || !dormant.Disabled || dormant.Error != "missing topic" {
		t.Errorf("disabled action step = %+v, want it tested and flagged", dormant)
	}
	f.exec.mu.Lock()
	tested := strings.Join(f.exec.tests, ",")
	f.exec.mu.Unlock()
	if tested != "first,second,dormant" {
		t.Errorf("tested actions = %s, want first,second,dormant", tested)
	}

	if calls := f.exec.getCalls(); len(calls) != 0 {
		t.Errorf("dry run must not execute actions, got %v", calls)
	}
	if h, _ := f.engine.ListExecutions(ctx, id, ExecutionFilter{}); len(h) != 0 {
		t.Errorf("dry run persisted %d executions", len(h))
	}

	if _, err := f.engine.TestRule(ctx, "missing", nil); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("TestRule(missing) error = %v", err)
	}
}
