package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// maxQueryParamLen limits query parameter length to prevent DoS via oversized URL params.
const maxQueryParamLen = 100

// ruleRequest is the body of POST /rules.
type ruleRequest struct {
	Name          string                    `json:"name"`
	Description   string                    `json:"description"`
	Category      string                    `json:"category"`
	Tags          []string                  `json:"tags"`
	CreatedBy     string                    `json:"created_by"`
	Triggers      []automation.Trigger      `json:"triggers"`
	Conditions    []automation.Condition    `json:"conditions"`
	Actions       []automation.Action       `json:"actions"`
	Schedule      *automation.Schedule      `json:"schedule"`
	Configuration *automation.Configuration `json:"configuration"`
}

// ruleUpdateRequest is the body of PATCH /rules/{id}. Absent fields are left
// alone; "schedule": null removes the schedule.
type ruleUpdateRequest struct {
	Name          *string                   `json:"name"`
	Description   *string                   `json:"description"`
	Category      *string                   `json:"category"`
	Tags          []string                  `json:"tags"`
	Triggers      []automation.Trigger      `json:"triggers"`
	Conditions    []automation.Condition    `json:"conditions"`
	Actions       []automation.Action       `json:"actions"`
	Schedule      json.RawMessage           `json:"schedule"`
	Configuration *automation.Configuration `json:"configuration"`
}

// runRequest is the optional body of POST /rules/{id}/execute and /test.
type runRequest struct {
	Variables   map[string]any `json:"variables"`
	TriggeredBy string         `json:"triggered_by"`
}

// ruleID extracts and bounds-checks the {id} URL parameter.
func ruleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return "", false
	}
	return id, true
}

// decodeOptional decodes a JSON body into v unless the body is empty.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleListRules returns live rules.
//
// Query parameters:
//   - category: filter by category
//   - status: active, paused or disabled
//   - include_disabled: "true" to include disabled rules
//   - view: "summary" for the compact listing
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("category")
	if len(category) > maxQueryParamLen {
		writeBadRequest(w, "category exceeds maximum length")
		return
	}

	if q.Get("view") == "summary" {
		summaries, err := s.engine.ListRuleSummaries(r.Context(), category)
		if err != nil {
			writeInternalError(w, "failed to list rules")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": summaries, "count": len(summaries)})
		return
	}

	filter := automation.RuleFilter{Category: category}
	if st := q.Get("status"); st != "" {
		switch automation.RuleStatus(st) {
		case automation.RuleActive, automation.RulePaused, automation.RuleDisabled:
			filter.Status = automation.RuleStatus(st)
		default:
			writeBadRequest(w, "invalid status")
			return
		}
	}
	if v := q.Get("include_disabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "include_disabled must be a boolean")
			return
		}
		filter.IncludeDisabled = b
	}

	rules, err := s.engine.ListRules(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// handleGetRule returns a single rule by ID.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	rule, err := s.engine.GetRule(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleCreateRule creates a rule and returns it with its generated ID.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, err := s.engine.CreateRule(r.Context(), automation.NewRule{
		Name:          req.Name,
		Description:   req.Description,
		Triggers:      req.Triggers,
		Conditions:    req.Conditions,
		Actions:       req.Actions,
		Schedule:      req.Schedule,
		Configuration: req.Configuration,
		CreatedBy:     req.CreatedBy,
		Category:      req.Category,
		Tags:          req.Tags,
	})
	if err != nil {
		writeEngineError(w, err, "failed to create rule")
		return
	}

	rule, err := s.engine.GetRule(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to load created rule")
		return
	}
	s.auditLog(r, audit.ActionCreate, audit.EntityRule, id, map[string]any{"name": rule.Name})
	writeJSON(w, http.StatusCreated, rule)
}

// handleUpdateRule partially updates a rule.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req ruleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	upd := automation.RuleUpdate{
		Name:          req.Name,
		Description:   req.Description,
		Category:      req.Category,
		Tags:          req.Tags,
		Triggers:      req.Triggers,
		Conditions:    req.Conditions,
		Actions:       req.Actions,
		Configuration: req.Configuration,
	}
	switch {
	case len(req.Schedule) == 0:
	case bytes.Equal(bytes.TrimSpace(req.Schedule), []byte("null")):
		upd.ClearSchedule = true
	default:
		var sched automation.Schedule
		if err := json.Unmarshal(req.Schedule, &sched); err != nil {
			writeBadRequest(w, "invalid schedule")
			return
		}
		upd.Schedule = &sched
	}

	found, err := s.engine.UpdateRule(r.Context(), id, upd)
	if err != nil {
		writeEngineError(w, err, "failed to update rule")
		return
	}
	if !found {
		writeNotFound(w, "rule not found")
		return
	}
	s.auditLog(r, audit.ActionUpdate, audit.EntityRule, id, nil)
	s.writeRule(w, r, id)
}

// handleDeleteRule soft-deletes a rule.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	found, err := s.engine.DeleteRule(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to delete rule")
		return
	}
	if !found {
		writeNotFound(w, "rule not found")
		return
	}
	s.auditLog(r, audit.ActionDelete, audit.EntityRule, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.changeRuleState(w, r, audit.ActionEnable, s.engine.EnableRule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.changeRuleState(w, r, audit.ActionDisable, s.engine.DisableRule)
}

func (s *Server) handlePauseRule(w http.ResponseWriter, r *http.Request) {
	s.changeRuleState(w, r, audit.ActionPause, s.engine.PauseRule)
}

func (s *Server) handleResumeRule(w http.ResponseWriter, r *http.Request) {
	s.changeRuleState(w, r, audit.ActionResume, s.engine.ResumeRule)
}

// changeRuleState applies one of the lifecycle operations and returns the
// updated rule.
func (s *Server) changeRuleState(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, id string) (bool, error)) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	found, err := op(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to change rule state")
		return
	}
	if !found {
		writeNotFound(w, "rule not found")
		return
	}
	s.auditLog(r, action, audit.EntityRule, id, nil)
	s.writeRule(w, r, id)
}

func (s *Server) writeRule(w http.ResponseWriter, r *http.Request, id string) {
	rule, err := s.engine.GetRule(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleExecuteRule starts a manual execution. The run continues after the
// response; progress arrives on the WebSocket executions channel.
func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	execID, err := s.engine.ExecuteRule(r.Context(), id, req.Variables, triggeredBy)
	if err != nil {
		writeEngineError(w, err, "failed to execute rule")
		return
	}
	s.auditLog(r, audit.ActionExecute, audit.EntityRule, id, map[string]any{"execution_id": execID})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": execID,
		"status":       "accepted",
	})
}

// handleTestRule performs a dry run without side effects.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.engine.TestRule(r.Context(), id, req.Variables)
	if err != nil {
		writeEngineError(w, err, "failed to test rule")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// topErrorsLimit caps the error breakdown in the metrics response.
const topErrorsLimit = 5

// handleRuleMetrics returns a rule's aggregate metrics with its health score.
func (s *Server) handleRuleMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	m, err := s.engine.RuleMetrics(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to get rule metrics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rule_id":    id,
		"metrics":    m,
		"health":     m.HealthScore(),
		"top_errors": m.TopErrors(topErrorsLimit),
	})
}
