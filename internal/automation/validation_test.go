package automation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validRule() *Rule {
	r := &Rule{
		Name:     "Cinema Mode",
		Enabled:  true,
		Triggers: []Trigger{{Name: "remote.cinema"}},
		Actions:  []Action{{Name: "dim", Type: "log"}},
	}
	applyDefaults(r)
	return r
}

func TestValidateRule(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr error
	}{
		{name: "valid rule", mutate: func(*Rule) {}},
		{name: "empty name", mutate: func(r *Rule) { r.Name = "" }, wantErr: ErrInvalidName},
		{name: "whitespace-only name", mutate: func(r *Rule) { r.Name = "   " }, wantErr: ErrInvalidName},
		{name: "name too long", mutate: func(r *Rule) { r.Name = strings.Repeat("a", 101) }, wantErr: ErrInvalidName},
		{name: "name at limit", mutate: func(r *Rule) { r.Name = strings.Repeat("a", 100) }},
		{name: "description too long", mutate: func(r *Rule) { r.Description = strings.Repeat("d", 501) }, wantErr: ErrInvalidRule},
		{name: "unknown status", mutate: func(r *Rule) { r.Status = "sleeping" }, wantErr: ErrInvalidRule},
		{name: "no actions", mutate: func(r *Rule) { r.Actions = nil }, wantErr: ErrNoActions},
		{name: "no triggers is fine", mutate: func(r *Rule) { r.Triggers = nil }},
		{name: "bad trigger", mutate: func(r *Rule) { r.Triggers = []Trigger{{Name: "has space"}} }, wantErr: ErrInvalidTrigger},
		{
			name:    "bad condition",
			mutate:  func(r *Rule) { r.Conditions = []Condition{{Name: "c", Field: "x", Operator: "roughly", Value: 1}} },
			wantErr: ErrInvalidCondition,
		},
		{name: "action without type", mutate: func(r *Rule) { r.Actions[0].Type = "" }, wantErr: ErrInvalidAction},
		{name: "bad schedule", mutate: func(r *Rule) { r.Schedule = &Schedule{Type: ScheduleInterval} }, wantErr: ErrInvalidSchedule},
		{name: "valid schedule", mutate: func(r *Rule) { r.Schedule = &Schedule{Type: ScheduleOnce, StartAt: &at} }},
		{name: "priority too high", mutate: func(r *Rule) { r.Configuration.Priority = 101 }, wantErr: ErrInvalidRule},
		{name: "bad run mode", mutate: func(r *Rule) { r.Configuration.RunMode = "random" }, wantErr: ErrInvalidRule},
		{name: "negative concurrency", mutate: func(r *Rule) { r.Configuration.MaxConcurrentExecutions = -1 }, wantErr: ErrInvalidRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := ValidateRule(r)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateRule() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateRule(nil); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("ValidateRule(nil) = %v, want ErrInvalidRule", err)
	}
}

func TestValidateTrigger(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"motion.hall", true},
		{"sensor:temp_1", true},
		{"A-b.c", true},
		{"", false},
		{".leading-dot", false},
		{"has space", false},
		{"wild/+", false},
		{"hash#", false},
		{strings.Repeat("x", 101), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrigger(Trigger{Name: tt.name})
			if (err == nil) != tt.valid {
				t.Errorf("ValidateTrigger(%q) error = %v, want valid=%v", tt.name, err, tt.valid)
			}
		})
	}
}

func TestValidateCondition(t *testing.T) {
	tests := []struct {
		name  string
		cond  Condition
		valid bool
	}{
		{"comparison", Condition{Name: "c", Field: "temp", Operator: OpGreaterThan, Value: 20}, true},
		{"missing name", Condition{Field: "temp", Operator: OpEquals, Value: 1}, false},
		{"missing field", Condition{Name: "c", Operator: OpEquals, Value: 1}, false},
		{"missing value", Condition{Name: "c", Field: "temp", Operator: OpEquals}, false},
		{"is_null without value", Condition{Name: "c", Field: "temp", Operator: OpIsNull}, true},
		{"range without upper bound", Condition{Name: "c", Field: "t", Operator: OpInRange, Value: 1}, false},
		{"range", Condition{Name: "c", Field: "t", Operator: OpInRange, Value: 1, SecondaryValue: 5}, true},
		{"bad pattern", Condition{Name: "c", Field: "t", Operator: OpMatches, Value: "(["}, false},
		{"pattern", Condition{Name: "c", Field: "t", Operator: OpMatches, Value: "^on|off$"}, true},
		{"expression", Condition{Name: "c", Operator: OpExpression, Expression: "ctx.temp > 20"}, true},
		{"empty expression", Condition{Name: "c", Operator: OpExpression}, false},
		{"expression syntax error", Condition{Name: "c", Operator: OpExpression, Expression: "ctx.temp >"}, false},
		{"unknown operator", Condition{Name: "c", Field: "t", Operator: "gt", Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCondition(tt.cond)
			if (err == nil) != tt.valid {
				t.Errorf("ValidateCondition() error = %v, want valid=%v", err, tt.valid)
			}
			if err != nil && !errors.Is(err, ErrInvalidCondition) {
				t.Errorf("error %v should wrap ErrInvalidCondition", err)
			}
		})
	}
}

func TestValidateAction(t *testing.T) {
	base := Action{Name: "notify", Type: "notify"}

	tests := []struct {
		name   string
		mutate func(a *Action)
		valid  bool
	}{
		{"valid", func(*Action) {}, true},
		{"missing name", func(a *Action) { a.Name = " " }, false},
		{"missing type", func(a *Action) { a.Type = "" }, false},
		{"timeout at limit", func(a *Action) { a.TimeoutMS = 300000 }, true},
		{"timeout over limit", func(a *Action) { a.TimeoutMS = 300001 }, false},
		{"negative timeout", func(a *Action) { a.TimeoutMS = -1 }, false},
		{"retry count over limit", func(a *Action) { a.RetryCount = 11 }, false},
		{"retry delay over limit", func(a *Action) { a.RetryDelayMS = 60001 }, false},
		{"too many parameters", func(a *Action) {
			a.Parameters = make(map[string]any)
			for i := 0; i < 21; i++ {
				a.Parameters[strings.Repeat("k", i+1)] = i
			}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			tt.mutate(&a)
			err := ValidateAction(a)
			if (err == nil) != tt.valid {
				t.Errorf("ValidateAction() error = %v, want valid=%v", err, tt.valid)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	r := &Rule{Name: "x", Actions: []Action{{Name: "a", Type: "log"}, {ID: "keep", Name: "b", Type: "log"}}}
	applyDefaults(r)

	if r.Status != RuleDisabled {
		t.Errorf("Status = %q, want disabled for a rule created disabled", r.Status)
	}
	if r.Configuration.RunMode != RunSequential {
		t.Errorf("RunMode = %q, want sequential", r.Configuration.RunMode)
	}
	if r.Configuration.Priority != 50 {
		t.Errorf("Priority = %d, want 50", r.Configuration.Priority)
	}
	if r.Actions[0].ID == "" {
		t.Error("missing action ID should be generated")
	}
	if r.Actions[1].ID != "keep" {
		t.Errorf("existing action ID replaced with %q", r.Actions[1].ID)
	}
}

func TestGenerateID(t *testing.T) {
	id1 := GenerateID()
	id2 := GenerateID()

	if id1 == "" {
		t.Error("GenerateID() returned empty string")
	}
	if id1 == id2 {
		t.Error("GenerateID() returned duplicate IDs")
	}
	if len(id1) != 36 {
		t.Errorf("GenerateID() length = %d, want 36 (UUID format)", len(id1))
	}
}
