package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

const maxDelayMS = 300000

// Delay pauses a sequential run for duration_ms (1-300000). It returns
// early with the context error when the run is cancelled. Delays longer
// than the registry's default attempt timeout need timeout_ms on the action.
type Delay struct{}

// Execute waits for the configured duration.
func (Delay) Execute(ctx context.Context, action automation.Action, _ map[string]any) (automation.ActionOutput, error) {
	d, err := delayDuration(action)
	if err != nil {
		return automation.ActionOutput{}, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return automation.ActionOutput{}, ctx.Err()
	case <-timer.C:
	}
	return automation.ActionOutput{Message: "waited " + d.String()}, nil
}

// Test validates the duration without waiting.
func (Delay) Test(_ context.Context, action automation.Action, _ map[string]any) (automation.ActionOutput, error) {
	d, err := delayDuration(action)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	return automation.ActionOutput{
		Message: "would wait " + d.String(),
		Output:  map[string]any{"duration_ms": d.Milliseconds()},
	}, nil
}

func delayDuration(action automation.Action) (time.Duration, error) {
	ms, err := optionalInt(action, "duration_ms", 0, 1, maxDelayMS)
	if err != nil {
		return 0, err
	}
	if ms == 0 {
		return 0, fmt.Errorf("%w: duration_ms is required", ErrInvalidParameter)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
