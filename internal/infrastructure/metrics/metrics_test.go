package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(body)
}

func TestRegistry_RecordExecution(t *testing.T) {
	r := NewRegistry()
	dur := int64(1500)
	rule := &automation.Rule{ID: "r1"}

	r.RecordExecution(rule, &automation.Execution{
		Status:     automation.StatusFailed,
		DurationMS: &dur,
		ActionResults: []automation.ActionResult{
			{Type: "webhook", Success: false},
			{Type: "log", Success: true},
		},
	})
	r.RecordExecution(rule, &automation.Execution{Status: automation.StatusCompleted, DurationMS: &dur})
	// Non-terminal executions are ignored.
	r.RecordExecution(rule, &automation.Execution{Status: automation.StatusRunning})

	body := scrape(t, r)
	for _, want := range []string{
		`graylogic_automation_executions_total{rule_id="r1",status="failed"} 1`,
		`graylogic_automation_executions_total{rule_id="r1",status="completed"} 1`,
		`graylogic_automation_execution_duration_seconds_count{rule_id="r1"} 2`,
		`graylogic_automation_action_failures_total{type="webhook"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(body, `status="running"`) {
		t.Error("running execution should not be counted")
	}
}

func TestRegistry_RecordTrigger(t *testing.T) {
	r := NewRegistry()
	r.RecordTrigger("door_opened", 3, 2)
	r.RecordTrigger("door_opened", 1, 0)

	body := scrape(t, r)
	for _, want := range []string{
		`graylogic_automation_triggers_total{trigger="door_opened"} 2`,
		`graylogic_automation_trigger_started_executions_total{trigger="door_opened"} 2`,
		`graylogic_automation_trigger_matched_rules_sum{trigger="door_opened"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRegistry_ObserveHTTP(t *testing.T) {
	r := NewRegistry()
	r.ObserveHTTP(http.MethodGet, "/api/v1/rules", http.StatusOK, 20*time.Millisecond)

	body := scrape(t, r)
	want := `graylogic_automation_http_requests_total{method="GET",route="/api/v1/rules",status="200"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("scrape missing %q", want)
	}
}

func TestRegistry_Independent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RecordTrigger("x", 1, 1)

	if strings.Contains(scrape(t, b), `trigger="x"`) {
		t.Error("registries should not share collectors")
	}
}

type countingRecorder struct {
	executions, triggers int
}

func (c *countingRecorder) RecordExecution(*automation.Rule, *automation.Execution) { c.executions++ }
func (c *countingRecorder) RecordTrigger(string, int, int)                         { c.triggers++ }

func TestNewMulti(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		if NewMulti(nil, nil) != nil {
			t.Error("NewMulti(nil, nil) should be nil")
		}
	})

	t.Run("single is unwrapped", func(t *testing.T) {
		c := &countingRecorder{}
		if got := NewMulti(nil, c); got != c {
			t.Errorf("NewMulti(nil, c) = %T, want the recorder itself", got)
		}
	})

	t.Run("fan out", func(t *testing.T) {
		a, b := &countingRecorder{}, &countingRecorder{}
		m := NewMulti(a, b)
		m.RecordExecution(&automation.Rule{}, &automation.Execution{})
		m.RecordTrigger("t", 0, 0)
		for _, c := range []*countingRecorder{a, b} {
			if c.executions != 1 || c.triggers != 1 {
				t.Errorf("recorder got %d executions, %d triggers; want 1, 1", c.executions, c.triggers)
			}
		}
	})
}
