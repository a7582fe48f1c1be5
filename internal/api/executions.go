package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Execution history paging limits.
const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

// cancelRequest is the optional body of POST /executions/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleListExecutions returns a rule's execution history, newest first.
//
// Query parameters:
//   - from, to: RFC 3339 bounds on created_at
//   - offset: rows to skip
//   - limit: page size (default 50, max 500)
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	filter, msg := parseExecutionFilter(r)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}

	// Distinguish an unknown rule from a rule with no history.
	if _, err := s.engine.GetRule(r.Context(), id); err != nil {
		writeEngineError(w, err, "failed to get rule")
		return
	}

	executions, err := s.engine.ListExecutions(r.Context(), id, filter)
	if err != nil {
		writeInternalError(w, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions, "count": len(executions)})
}

func parseExecutionFilter(r *http.Request) (automation.ExecutionFilter, string) {
	q := r.URL.Query()
	filter := automation.ExecutionFilter{Limit: defaultExecutionLimit}

	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(bound.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, bound.key + " must be an RFC 3339 timestamp"
		}
		*bound.dst = &t
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, "to must not be before from"
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, "offset must be a non-negative integer"
		}
		filter.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxExecutionLimit {
			return filter, "limit must be between 1 and " + strconv.Itoa(maxExecutionLimit)
		}
		filter.Limit = n
	}
	return filter, ""
}

// handleGetExecution returns a single execution.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid execution ID")
		return
	}

	exec, err := s.engine.GetExecution(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleCancelExecution requests cancellation of a running execution.
// Cancelling something that is not running is not an error: the response
// reports cancelled=false with the current status.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid execution ID")
		return
	}

	var req cancelRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cancelled, err := s.engine.CancelExecution(r.Context(), id, req.Reason)
	if err != nil {
		writeEngineError(w, err, "failed to cancel execution")
		return
	}
	if cancelled {
		s.auditLog(r, audit.ActionCancel, audit.EntityExecution, id, map[string]any{"reason": req.Reason})
	}

	exec, err := s.engine.GetExecution(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"cancelled":    cancelled,
		"status":       exec.Status,
	})
}
