package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrRuleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRuleNotFound is returned when a rule ID does not exist or was deleted.
	ErrRuleNotFound = errors.New("automation: rule not found")

	// ErrRuleExists is returned when creating a rule whose name is already taken.
	ErrRuleExists = errors.New("automation: rule already exists")

	// ErrRuleNotExecutable is returned when a rule is disabled, not Active, or has no actions.
	ErrRuleNotExecutable = errors.New("automation: rule cannot be executed")

	// ErrConcurrencyLimit is returned when a rule already runs its maximum number of executions.
	ErrConcurrencyLimit = errors.New("automation: concurrent execution limit reached")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("automation: invalid rule")

	// ErrInvalidName is returned when a rule name is empty or too long.
	ErrInvalidName = errors.New("automation: invalid name")

	// ErrInvalidTrigger is returned when a trigger is malformed.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidCondition is returned when a condition is malformed.
	ErrInvalidCondition = errors.New("automation: invalid condition")

	// ErrInvalidAction is returned when an action is malformed.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrInvalidSchedule is returned when a schedule cannot produce run times.
	ErrInvalidSchedule = errors.New("automation: invalid schedule")

	// ErrNoActions is returned when a rule has no actions defined.
	ErrNoActions = errors.New("automation: no actions")

	// ErrExecutionNotFound is returned when an execution ID does not exist or was deleted.
	ErrExecutionNotFound = errors.New("automation: execution not found")

	// ErrExecutionFinished is returned when mutating an execution that is no longer running.
	ErrExecutionFinished = errors.New("automation: execution already finished")

	// ErrUnknownActionType is returned when no handler is registered for an action type.
	ErrUnknownActionType = errors.New("automation: unknown action type")

	// ErrEngineClosed is returned when work is submitted after Close.
	ErrEngineClosed = errors.New("automation: engine closed")
)
