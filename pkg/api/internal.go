package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.router.ListDLQ()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleRetryDLQ drains the dead-letter queue once and reports the pass.
func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	report, err := s.router.RetryDLQ(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRetryPayment re-attempts a task's pending reward release.
func (s *Server) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.RetryPayment(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleAuditQuery filters the audit trail by type, level, agent, task and
// time window.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := &storage.AuditQuery{
		Type:    types.AuditEventType(r.URL.Query().Get("type")),
		Level:   types.AuditLevel(r.URL.Query().Get("level")),
		AgentID: r.URL.Query().Get("agent_id"),
		TaskID:  r.URL.Query().Get("task_id"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, errs.E(errs.Validation, "since must be RFC 3339: %v", err))
			return
		}
		q.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			q.Limit = n
		}
	}

	events, err := s.store.QueryAuditEvents(q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
