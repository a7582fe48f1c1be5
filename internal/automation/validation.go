package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength        = 100
	maxDescriptionLen    = 500
	maxCategoryLength    = 50
	maxTags              = 20
	maxTriggers          = 50
	maxConditions        = 50
	maxActions           = 100
	maxParameterKeys     = 20
	maxActionTimeoutMS   = 300000 // 5 minutes
	maxRetryCount        = 10
	maxRetryDelayMS      = 60000
	minPriority          = 1
	maxPriority          = 100
	defaultPriority      = 50
	triggerNamePattern   = `^[A-Za-z0-9][A-Za-z0-9._:-]*$`
	maxTriggerNameLength = 100
)

var triggerNameRegex = regexp.MustCompile(triggerNamePattern)

// Pre-computed validation set for O(1) operator lookups.
var validOperators map[ConditionOperator]struct{}

func init() {
	validOperators = make(map[ConditionOperator]struct{}, len(AllOperators()))
	for _, op := range AllOperators() {
		validOperators[op] = struct{}{}
	}
}

// ValidateRule performs comprehensive validation on a rule.
// Returns an error describing the first validation failure found.
func ValidateRule(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}

	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if len(r.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRule, maxDescriptionLen)
	}
	if len(r.Category) > maxCategoryLength {
		return fmt.Errorf("%w: category exceeds %d characters", ErrInvalidRule, maxCategoryLength)
	}
	if len(r.Tags) > maxTags {
		return fmt.Errorf("%w: exceeds maximum of %d tags", ErrInvalidRule, maxTags)
	}
	switch r.Status {
	case RuleActive, RulePaused, RuleDisabled:
	default:
		return fmt.Errorf("%w: invalid status %q", ErrInvalidRule, r.Status)
	}

	if len(r.Triggers) > maxTriggers {
		return fmt.Errorf("%w: exceeds maximum of %d triggers", ErrInvalidTrigger, maxTriggers)
	}
	for i, t := range r.Triggers {
		if err := ValidateTrigger(t); err != nil {
			return fmt.Errorf("trigger[%d]: %w", i, err)
		}
	}

	if len(r.Conditions) > maxConditions {
		return fmt.Errorf("%w: exceeds maximum of %d conditions", ErrInvalidCondition, maxConditions)
	}
	for i, c := range r.Conditions {
		if err := ValidateCondition(c); err != nil {
			return fmt.Errorf("condition[%d]: %w", i, err)
		}
	}

	if len(r.Actions) == 0 {
		return ErrNoActions
	}
	if len(r.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidAction, maxActions)
	}
	for i, a := range r.Actions {
		if err := ValidateAction(a); err != nil {
			return fmt.Errorf("action[%d]: %w", i, err)
		}
	}

	if err := r.Schedule.Validate(); err != nil {
		return err
	}
	return ValidateConfiguration(r.Configuration)
}

// ValidateName checks if a rule name is valid.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateTrigger checks that a trigger name is usable as a topic segment.
func ValidateTrigger(t Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTrigger)
	}
	if len(t.Name) > maxTriggerNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidTrigger, maxTriggerNameLength)
	}
	if !triggerNameRegex.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q must be alphanumeric with . _ : -", ErrInvalidTrigger, t.Name)
	}
	return nil
}

// ValidateCondition checks operator-specific requirements.
// Expression conditions are compiled so syntax errors surface at save time.
func ValidateCondition(c Condition) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCondition)
	}
	if _, ok := validOperators[c.Operator]; !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}

	switch c.Operator {
	case OpExpression:
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("%w: expression is required", ErrInvalidCondition)
		}
		x, err := sharedExpressions()
		if err != nil {
			return err
		}
		if _, err := x.Compile(c.Expression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		return nil
	case OpInRange, OpNotInRange:
		if c.Value == nil || c.SecondaryValue == nil {
			return fmt.Errorf("%w: range operators need value and secondary_value", ErrInvalidCondition)
		}
	case OpIsNull, OpIsNotNull:
	default:
		if c.Value == nil {
			return fmt.Errorf("%w: operator %q needs a value", ErrInvalidCondition, c.Operator)
		}
	}

	if c.Field == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidCondition)
	}
	if c.Operator == OpMatches || c.Operator == OpNotMatches {
		if _, err := regexp.Compile(stringify(c.Value)); err != nil {
			return fmt.Errorf("%w: invalid pattern: %v", ErrInvalidCondition, err)
		}
	}
	return nil
}

// ValidateAction checks if an action is valid. Type-specific parameters
// are checked by the handler's test variant, not here.
func ValidateAction(a Action) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAction)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidAction)
	}
	if len(a.Parameters) > maxParameterKeys {
		return fmt.Errorf("%w: parameters exceeds %d keys", ErrInvalidAction, maxParameterKeys)
	}
	if a.TimeoutMS < 0 || a.TimeoutMS > maxActionTimeoutMS {
		return fmt.Errorf("%w: timeout_ms must be 0-%d", ErrInvalidAction, maxActionTimeoutMS)
	}
	if a.RetryCount < 0 || a.RetryCount > maxRetryCount {
		return fmt.Errorf("%w: retry_count must be 0-%d", ErrInvalidAction, maxRetryCount)
	}
	if a.RetryDelayMS < 0 || a.RetryDelayMS > maxRetryDelayMS {
		return fmt.Errorf("%w: retry_delay_ms must be 0-%d", ErrInvalidAction, maxRetryDelayMS)
	}
	return nil
}

// ValidateConfiguration checks run mode, priority and concurrency cap.
func ValidateConfiguration(c Configuration) error {
	switch c.RunMode {
	case RunSequential, RunParallel:
	default:
		return fmt.Errorf("%w: invalid run_mode %q", ErrInvalidRule, c.RunMode)
	}
	if c.Priority < minPriority || c.Priority > maxPriority {
		return fmt.Errorf("%w: priority must be %d-%d", ErrInvalidRule, minPriority, maxPriority)
	}
	if c.MaxConcurrentExecutions < 0 {
		return fmt.Errorf("%w: max_concurrent_executions cannot be negative", ErrInvalidRule)
	}
	return nil
}

// applyDefaults fills zero-valued settings and missing action IDs.
func applyDefaults(r *Rule) {
	if r.Status == "" {
		if r.Enabled {
			r.Status = RuleActive
		} else {
			r.Status = RuleDisabled
		}
	}
	if r.Configuration.RunMode == "" {
		r.Configuration.RunMode = RunSequential
	}
	if r.Configuration.Priority == 0 {
		r.Configuration.Priority = defaultPriority
	}
	for i := range r.Actions {
		if r.Actions[i].ID == "" {
			r.Actions[i].ID = GenerateID()
		}
	}
}

// GenerateID creates a new UUID for a rule, action or execution.
func GenerateID() string {
	return uuid.New().String()
}
