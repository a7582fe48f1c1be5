package influxdb

import (
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Measurement names.
const (
	MeasurementExecutions = "automation_executions"
	MeasurementTriggers   = "automation_triggers"
)

// RecordExecution writes one point per finished or cancelled execution.
// Client therefore satisfies automation.MetricsRecorder.
//
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) RecordExecution(rule *automation.Rule, exec *automation.Execution) {
	if !exec.Status.IsTerminal() {
		return
	}
	c.writePoint(ExecutionPoint(rule, exec))
}

// RecordTrigger writes a point describing one trigger fan-out.
func (c *Client) RecordTrigger(trigger string, matched, started int) {
	c.writePoint(TriggerPoint(trigger, matched, started, time.Now()))
}

// ExecutionPoint builds the point for a terminal execution.
//
// Tags (low cardinality): rule_id, rule_name, category, status, source.
// Fields: success, duration_ms, actions, failed_actions.
func ExecutionPoint(rule *automation.Rule, exec *automation.Execution) *write.Point {
	var failed int
	for _, r := range exec.ActionResults {
		if !r.Success {
			failed++
		}
	}

	fields := map[string]interface{}{
		"success":        exec.Success,
		"actions":        len(exec.ActionResults),
		"failed_actions": failed,
	}
	if exec.DurationMS != nil {
		fields["duration_ms"] = *exec.DurationMS
	}

	ts := time.Now()
	if exec.CompletedAt != nil {
		ts = *exec.CompletedAt
	}

	return write.NewPoint(
		MeasurementExecutions,
		map[string]string{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"category":  rule.Category,
			"status":    string(exec.Status),
			"source":    triggerSource(exec.TriggeredBy),
		},
		fields,
		ts,
	)
}

// TriggerPoint builds the point for a trigger fan-out.
func TriggerPoint(trigger string, matched, started int, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTriggers,
		map[string]string{"trigger": trigger},
		map[string]interface{}{
			"matched": matched,
			"started": started,
		},
		at,
	)
}

// writePoint queues a point unless the client has been closed.
func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

// triggerSource reduces triggered_by to its kind ("mqtt:topic" -> "mqtt")
// to keep tag cardinality bounded.
func triggerSource(triggeredBy string) string {
	if triggeredBy == "" {
		return "unknown"
	}
	if i := strings.IndexByte(triggeredBy, ':'); i > 0 {
		return triggeredBy[:i]
	}
	return triggeredBy
}
