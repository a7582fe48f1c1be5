package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
)

// handleListTriggers reports the trigger topics currently subscribed.
func (s *Server) handleListTriggers(w http.ResponseWriter, _ *http.Request) {
	if s.triggers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"triggers": []any{}, "count": 0, "pending": 0})
		return
	}
	subs := s.triggers.Subscriptions()
	writeJSON(w, http.StatusOK, map[string]any{
		"triggers": subs,
		"count":    len(subs),
		"pending":  s.triggers.Pending(),
	})
}

// handleFireTrigger fires a named trigger synchronously. The optional JSON
// object body becomes the trigger variables.
func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || len(name) > maxQueryParamLen {
		writeBadRequest(w, "invalid trigger name")
		return
	}

	var vars map[string]any
	if err := decodeOptional(r, &vars); err != nil {
		writeBadRequest(w, "body must be a JSON object")
		return
	}

	first, err := s.engine.TriggerAutomation(r.Context(), name, vars, "")
	if err != nil {
		writeEngineError(w, err, "failed to process trigger")
		return
	}
	s.auditLog(r, audit.ActionFire, audit.EntityTrigger, name, map[string]any{"execution_id": first})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"trigger":      name,
		"started":      first != "",
		"execution_id": first,
	})
}
