package metrics

import "github.com/nerrad567/gray-logic-automation/internal/automation"

// Multi fans telemetry out to several recorders. Nil entries are skipped.
type Multi []automation.MetricsRecorder

// NewMulti drops nil recorders and returns nil when none remain.
func NewMulti(recorders ...automation.MetricsRecorder) automation.MetricsRecorder {
	var m Multi
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

// RecordExecution implements automation.MetricsRecorder.
func (m Multi) RecordExecution(rule *automation.Rule, exec *automation.Execution) {
	for _, r := range m {
		r.RecordExecution(rule, exec)
	}
}

// RecordTrigger implements automation.MetricsRecorder.
func (m Multi) RecordTrigger(trigger string, matched, started int) {
	for _, r := range m {
		r.RecordTrigger(trigger, matched, started)
	}
}
