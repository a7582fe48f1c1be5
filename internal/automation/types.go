package automation

import (
	"encoding/json"
	"sort"
	"time"
)

// Rule is a persisted trigger → condition → action definition.
//
// A rule runs when one of its triggers fires (or its schedule falls due),
// all of its conditions pass against the supplied context, and it is both
// enabled and Active. Soft-deleted rules are invisible to every query.
type Rule struct {
	// Identity
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`

	// Lifecycle
	Enabled bool       `json:"enabled"`
	Status  RuleStatus `json:"status"`

	// Behaviour definition
	Triggers   []Trigger   `json:"triggers"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`

	// Scheduling (nil schedule means trigger-only)
	Schedule        *Schedule  `json:"schedule,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`

	Configuration Configuration `json:"configuration"`
	Metrics       Metrics       `json:"metrics"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// RuleStatus is the lifecycle state of a rule, independent of Enabled.
type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RulePaused   RuleStatus = "paused"
	RuleDisabled RuleStatus = "disabled"
)

// Trigger names an external event that can cause a rule to run.
type Trigger struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Condition is a named boolean predicate evaluated against an execution context.
type Condition struct {
	Name     string            `json:"name"`
	Field    string            `json:"field,omitempty"` // dotted path into the context
	Operator ConditionOperator `json:"operator"`

	Value          any `json:"value,omitempty"`
	SecondaryValue any `json:"secondary_value,omitempty"` // upper bound for range operators

	// CEL source, only used by OpExpression
	Expression string `json:"expression,omitempty"`

	// The zero value is enabled; a disabled condition always holds.
	Disabled bool `json:"disabled,omitempty"`
	Order    int  `json:"order"`
}

// UnmarshalJSON also accepts the older "enabled" key; "enabled": false
// decodes as Disabled.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var p struct {
		plain
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Condition(p.plain)
	if p.Enabled != nil && !*p.Enabled {
		c.Disabled = true
	}
	return nil
}

// ConditionOperator selects how a Condition compares its field with Value.
type ConditionOperator string

const (
	OpEquals             ConditionOperator = "equals"
	OpNotEquals          ConditionOperator = "not_equals"
	OpGreaterThan        ConditionOperator = "greater_than"
	OpLessThan           ConditionOperator = "less_than"
	OpGreaterThanOrEqual ConditionOperator = "greater_than_or_equal"
	OpLessThanOrEqual    ConditionOperator = "less_than_or_equal"
	OpContains           ConditionOperator = "contains"
	OpNotContains        ConditionOperator = "not_contains"
	OpStartsWith         ConditionOperator = "starts_with"
	OpEndsWith           ConditionOperator = "ends_with"
	OpMatches            ConditionOperator = "matches"
	OpNotMatches         ConditionOperator = "not_matches"
	OpIsNull             ConditionOperator = "is_null"
	OpIsNotNull          ConditionOperator = "is_not_null"
	OpInRange            ConditionOperator = "in_range"
	OpNotInRange         ConditionOperator = "not_in_range"
	OpExpression         ConditionOperator = "expression"
)

// AllOperators returns every supported condition operator.
func AllOperators() []ConditionOperator {
	return []ConditionOperator{
		OpEquals, OpNotEquals,
		OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpMatches, OpNotMatches,
		OpIsNull, OpIsNotNull,
		OpInRange, OpNotInRange,
		OpExpression,
	}
}

// Action is one ordered, individually enableable unit of work within a rule.
//
// Type selects the ActionHandler that performs the side effect; Parameters
// are handler-specific and may contain {key} placeholders filled from the
// execution context.
type Action struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`

	Order    int  `json:"order"`
	Disabled bool `json:"disabled,omitempty"` // zero value is enabled

	// When true, a sequential run continues past this action's failure
	ContinueOnError bool `json:"continue_on_error"`

	// Per-attempt timeout (0 = executor default) and retry policy
	TimeoutMS    int `json:"timeout_ms,omitempty"`
	RetryCount   int `json:"retry_count,omitempty"`
	RetryDelayMS int `json:"retry_delay_ms,omitempty"`
}

// UnmarshalJSON also accepts the older "enabled" key.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p struct {
		plain
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Action(p.plain)
	if p.Enabled != nil && !*p.Enabled {
		a.Disabled = true
	}
	return nil
}

// RunMode governs how the actions of one execution are sequenced.
type RunMode string

const (
	RunSequential RunMode = "sequential"
	RunParallel   RunMode = "parallel"
)

// Configuration holds per-rule execution settings.
type Configuration struct {
	RunMode RunMode `json:"run_mode"`

	// Higher priority rules are swept first (default 50)
	Priority int `json:"priority"`

	// Cap on in-flight executions of this rule; 0 means unlimited
	MaxConcurrentExecutions int `json:"max_concurrent_executions"`

	// Merged under the execution context; supplied context wins on conflict
	Variables map[string]any `json:"variables,omitempty"`
}

// Execution is one run instance of a rule.
//
// Status only moves Pending → Running → {Completed, Failed, Cancelled}.
// Once terminal, no further action results are appended.
type Execution struct {
	ID          string          `json:"id"`
	RuleID      string          `json:"rule_id"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`

	ActionResults []ActionResult `json:"action_results"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// ExecutionStatus represents the state of a rule execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActionResult records the outcome of one action within an execution.
type ActionResult struct {
	ActionID   string         `json:"action_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Attempts   int            `json:"attempts,omitempty"`
}

// TestResult is the outcome of a dry run. It is never persisted.
type TestResult struct {
	RuleID       string         `json:"rule_id"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Context      map[string]any `json:"context"`
	Steps        []TestStep     `json:"steps"`
	DurationMS   int64          `json:"duration_ms"`
}

// TestStep is one condition or action evaluated by a dry run.
type TestStep struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"` // condition, action
	Success    bool           `json:"success"`
	Result     string         `json:"result,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Disabled   bool           `json:"disabled,omitempty"` // skipped by real runs
}

// Test step kinds.
const (
	StepCondition = "condition"
	StepAction    = "action"
)

// GlobalStats aggregates execution counts across every non-deleted rule.
type GlobalStats struct {
	TotalRules           int     `json:"total_rules"`
	ActiveRules          int     `json:"active_rules"`
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	SuccessRate          float64 `json:"success_rate"` // percent, 0 when there are no executions
}

// RuleSummary is a compact listing view of a rule.
type RuleSummary struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Category        string      `json:"category,omitempty"`
	Enabled         bool        `json:"enabled"`
	Status          RuleStatus  `json:"status"`
	TriggerCount    int         `json:"trigger_count"`
	ConditionCount  int         `json:"condition_count"`
	ActionCount     int         `json:"action_count"`
	ExecutionCount  int         `json:"execution_count"`
	SuccessRate     float64     `json:"success_rate"`
	LastExecutedAt  *time.Time  `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time  `json:"next_execution_at,omitempty"`
	Health          HealthLevel `json:"health"`
}

// RuleFilter narrows ListRules. Deleted rules are always excluded.
type RuleFilter struct {
	Category        string
	Status          RuleStatus
	IncludeDisabled bool
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	From   *time.Time
	To     *time.Time
	Offset int
	Limit  int
}

// RuleUpdate carries the fields to replace on an existing rule.
// Nil fields are left untouched; slices replace wholesale.
type RuleUpdate struct {
	Name          *string
	Description   *string
	Category      *string
	Tags          []string
	Triggers      []Trigger
	Conditions    []Condition
	Actions       []Action
	Schedule      *Schedule
	ClearSchedule bool
	Configuration *Configuration
}

// ─── Rule behaviour ────────────────────────────────────────────────

// IsDeleted reports whether the rule has been soft-deleted.
func (r *Rule) IsDeleted() bool {
	return r.DeletedAt != nil
}

// CanExecute reports whether the rule may start a new execution: it must be
// live, enabled, Active and have at least one enabled action.
func (r *Rule) CanExecute() bool {
	if r.IsDeleted() || !r.Enabled || r.Status != RuleActive {
		return false
	}
	for _, a := range r.Actions {
		if !a.Disabled {
			return true
		}
	}
	return false
}

// Enable marks the rule enabled and Active.
func (r *Rule) Enable() {
	r.Enabled = true
	r.Status = RuleActive
}

// Disable marks the rule disabled.
func (r *Rule) Disable() {
	r.Enabled = false
	r.Status = RuleDisabled
}

// Pause suspends the rule without disabling it.
func (r *Rule) Pause() {
	r.Status = RulePaused
}

// Resume re-activates a paused rule. A disabled rule stays disabled.
func (r *Rule) Resume() {
	if r.Enabled {
		r.Status = RuleActive
	}
}

// HasTrigger reports whether the rule listens for the named trigger.
func (r *Rule) HasTrigger(name string) bool {
	for _, t := range r.Triggers {
		if t.Name == name {
			return true
		}
	}
	return false
}

// TriggerNames returns the distinct trigger names of the rule.
func (r *Rule) TriggerNames() []string {
	seen := make(map[string]struct{}, len(r.Triggers))
	names := make([]string, 0, len(r.Triggers))
	for _, t := range r.Triggers {
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		names = append(names, t.Name)
	}
	return names
}

// OrderedActions returns every action, disabled ones included, in ascending
// order. The sort is stable so equal orders keep their definition order.
func (r *Rule) OrderedActions() []Action {
	actions := make([]Action, len(r.Actions))
	copy(actions, r.Actions)
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Order < actions[j].Order
	})
	return actions
}

// EnabledActions returns the enabled actions in ascending order.
func (r *Rule) EnabledActions() []Action {
	ordered := r.OrderedActions()
	actions := ordered[:0]
	for _, a := range ordered {
		if !a.Disabled {
			actions = append(actions, a)
		}
	}
	return actions
}

// OrderedConditions returns all conditions in ascending order.
func (r *Rule) OrderedConditions() []Condition {
	conds := make([]Condition, len(r.Conditions))
	copy(conds, r.Conditions)
	sort.SliceStable(conds, func(i, j int) bool {
		return conds[i].Order < conds[j].Order
	})
	return conds
}

// Summary builds the listing view of the rule.
func (r *Rule) Summary() RuleSummary {
	return RuleSummary{
		ID:              r.ID,
		Name:            r.Name,
		Category:        r.Category,
		Enabled:         r.Enabled,
		Status:          r.Status,
		TriggerCount:    len(r.Triggers),
		ConditionCount:  len(r.Conditions),
		ActionCount:     len(r.Actions),
		ExecutionCount:  r.Metrics.TotalExecutions,
		SuccessRate:     r.Metrics.SuccessRate,
		LastExecutedAt:  cloneTimePtr(r.Metrics.LastExecutedAt),
		NextExecutionAt: cloneTimePtr(r.NextExecutionAt),
		Health:          r.Metrics.HealthScore().Level,
	}
}

// buildContext merges rule variables under the supplied context.
func (r *Rule) buildContext(supplied map[string]any) map[string]any {
	merged := make(map[string]any, len(r.Configuration.Variables)+len(supplied))
	for k, v := range r.Configuration.Variables {
		merged[k] = deepCopyValue(v)
	}
	for k, v := range supplied {
		merged[k] = deepCopyValue(v)
	}
	return merged
}

// ─── Copying ───────────────────────────────────────────────────────

// DeepCopy creates a complete independent copy of the Rule.
// All map, slice and pointer fields are cloned so a copy handed to a
// background run cannot race with later mutations.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}

	cpy := *r

	if r.Tags != nil {
		cpy.Tags = append([]string(nil), r.Tags...)
	}
	if r.Triggers != nil {
		cpy.Triggers = append([]Trigger(nil), r.Triggers...)
	}
	if r.Conditions != nil {
		cpy.Conditions = make([]Condition, len(r.Conditions))
		for i, c := range r.Conditions {
			cpy.Conditions[i] = c
			cpy.Conditions[i].Value = deepCopyValue(c.Value)
			cpy.Conditions[i].SecondaryValue = deepCopyValue(c.SecondaryValue)
		}
	}
	if r.Actions != nil {
		cpy.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			cpy.Actions[i] = a
			cpy.Actions[i].Parameters = deepCopyMap(a.Parameters)
		}
	}
	cpy.Schedule = r.Schedule.clone()
	cpy.NextExecutionAt = cloneTimePtr(r.NextExecutionAt)
	cpy.Configuration.Variables = deepCopyMap(r.Configuration.Variables)
	cpy.Metrics = r.Metrics.clone()
	cpy.DeletedAt = cloneTimePtr(r.DeletedAt)

	return &cpy
}

// DeepCopy creates an independent copy of the Execution.
func (e *Execution) DeepCopy() *Execution {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.Context = deepCopyMap(e.Context)
	if e.ActionResults != nil {
		cpy.ActionResults = make([]ActionResult, len(e.ActionResults))
		for i, res := range e.ActionResults {
			cpy.ActionResults[i] = res
			cpy.ActionResults[i].Output = deepCopyMap(res.Output)
		}
	}
	cpy.StartedAt = cloneTimePtr(e.StartedAt)
	cpy.CompletedAt = cloneTimePtr(e.CompletedAt)
	cpy.DeletedAt = cloneTimePtr(e.DeletedAt)
	if e.DurationMS != nil {
		d := *e.DurationMS
		cpy.DurationMS = &d
	}
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
