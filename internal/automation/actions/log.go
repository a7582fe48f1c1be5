package actions

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Log writes a templated message to the service log.
type Log struct {
	logger automation.Logger
}

// NewLog creates the log handler.
func NewLog(logger automation.Logger) *Log {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Log{logger: logger}
}

// Execute logs the message at the requested level.
func (h *Log) Execute(_ context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	msg, level, err := logParams(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}

	args := []any{"action_id", action.ID, "action", action.Name}
	switch level {
	case "debug":
		h.logger.Debug(msg, args...)
	case "warn":
		h.logger.Warn(msg, args...)
	case "error":
		h.logger.Error(msg, args...)
	default:
		h.logger.Info(msg, args...)
	}
	return automation.ActionOutput{Message: msg}, nil
}

// Test renders the message only.
func (h *Log) Test(_ context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	msg, level, err := logParams(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	return automation.ActionOutput{
		Message: fmt.Sprintf("would log at %s: %s", level, msg),
		Output:  map[string]any{"level": level, "message": msg},
	}, nil
}

func logParams(action automation.Action, vars map[string]any) (msg, level string, err error) {
	msg, err = requiredString(action, "message")
	if err != nil {
		return "", "", err
	}
	level, err = optionalString(action, "level", "info")
	if err != nil {
		return "", "", err
	}
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return "", "", fmt.Errorf("%w: level must be debug, info, warn or error", ErrInvalidParameter)
	}
	return Render(msg, vars), level, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
