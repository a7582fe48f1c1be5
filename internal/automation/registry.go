package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Engine and its collaborators.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ActionExecutor performs an action's side effect, or validates it without
// side effects in the test variant. A returned error is recorded by the
// engine as a failed result carrying the error text.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action, vars map[string]any) (ActionResult, error)
	Test(ctx context.Context, action Action, vars map[string]any) (ActionResult, error)
}

// ActionOutput is what a handler reports for one attempt.
type ActionOutput struct {
	Message string
	Output  map[string]any
}

// ActionHandler implements one action type.
//
// Execute performs the side effect; Test must only validate parameters and
// report what would happen.
type ActionHandler interface {
	Execute(ctx context.Context, action Action, vars map[string]any) (ActionOutput, error)
	Test(ctx context.Context, action Action, vars map[string]any) (ActionOutput, error)
}

// defaultActionTimeout bounds one attempt when the action sets no timeout.
const defaultActionTimeout = 30 * time.Second

// HandlerRegistry dispatches actions to handlers keyed by action type and
// implements ActionExecutor. It applies per-attempt timeouts, retries and
// panic recovery so handlers stay simple.
//
// All public methods are thread-safe.
type HandlerRegistry struct {
	handlers       map[string]ActionHandler
	mu             sync.RWMutex
	defaultTimeout time.Duration
	logger         Logger
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers:       make(map[string]ActionHandler),
		defaultTimeout: defaultActionTimeout,
		logger:         noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *HandlerRegistry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetDefaultTimeout changes the per-attempt timeout for actions without one.
func (r *HandlerRegistry) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.defaultTimeout = d
	}
}

// Register binds a handler to an action type, replacing any previous one.
func (r *HandlerRegistry) Register(actionType string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Types returns the registered action types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *HandlerRegistry) handler(actionType string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Execute runs the action with retries. Handler failures are reported in
// the result; the error return is reserved for caller context cancellation.
func (r *HandlerRegistry) Execute(ctx context.Context, action Action, vars map[string]any) (ActionResult, error) {
	result := ActionResult{ActionID: action.ID, Name: action.Name, Type: action.Type}
	start := time.Now()

	h, ok := r.handler(action.Type)
	if !ok {
		result.Message = fmt.Sprintf("%v: %s", ErrUnknownActionType, action.Type)
		result.DurationMS = time.Since(start).Milliseconds()
		return result, nil
	}

	attempts := 1 + max(action.RetryCount, 0)
	retryDelay := time.Duration(action.RetryDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		out, err := r.attempt(ctx, h, action, vars)
		if err == nil {
			result.Success = true
			result.Message = out.Message
			result.Output = out.Output
			result.DurationMS = time.Since(start).Milliseconds()
			return result, nil
		}
		lastErr = err
		r.logger.Debug("action attempt failed",
			"action_id", action.ID, "type", action.Type, "attempt", attempt, "error", err)

		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if retryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
		}
	}

	result.Message = lastErr.Error()
	result.DurationMS = time.Since(start).Milliseconds()
	if ctx.Err() != nil && errors.Is(lastErr, ctx.Err()) {
		return result, ctx.Err()
	}
	return result, nil
}

// Test validates the action through its handler's side-effect-free variant.
func (r *HandlerRegistry) Test(ctx context.Context, action Action, vars map[string]any) (ActionResult, error) {
	result := ActionResult{ActionID: action.ID, Name: action.Name, Type: action.Type, Attempts: 1}
	start := time.Now()

	h, ok := r.handler(action.Type)
	if !ok {
		result.Message = fmt.Sprintf("%v: %s", ErrUnknownActionType, action.Type)
		return result, nil
	}

	out, err := safeCall(func() (ActionOutput, error) { return h.Test(ctx, action, vars) })
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Message = err.Error()
		return result, nil
	}
	result.Success = true
	result.Message = out.Message
	result.Output = out.Output
	return result, nil
}

// attempt runs one bounded handler call.
func (r *HandlerRegistry) attempt(ctx context.Context, h ActionHandler, action Action, vars map[string]any) (ActionOutput, error) {
	timeout := r.defaultTimeout
	if action.TimeoutMS > 0 {
		timeout = time.Duration(action.TimeoutMS) * time.Millisecond
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return safeCall(func() (ActionOutput, error) { return h.Execute(attemptCtx, action, vars) })
}

// safeCall converts a handler panic into an error.
func safeCall(fn func() (ActionOutput, error)) (out ActionOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action handler panic: %v", rec)
		}
	}()
	return fn()
}
