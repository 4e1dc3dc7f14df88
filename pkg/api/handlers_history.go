package api

import (
	"net/http"

	"github.com/odvcencio/chauffeur/pkg/storage"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "recording is not enabled")
		return
	}
	runs, err := s.store.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "recording is not enabled")
		return
	}
	q := storage.HistoryQuery{
		RunID:    r.URL.Query().Get("run"),
		TargetID: r.URL.Query().Get("target"),
		Action:   r.URL.Query().Get("action"),
		Limit:    queryInt(r, "limit", 100),
	}
	records, err := s.store.CommandHistory(r.Context(), q)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "recording is not enabled")
		return
	}
	rows, err := s.store.EventHistory(r.Context(),
		r.URL.Query().Get("target"),
		r.URL.Query().Get("kind"),
		queryInt(r, "limit", 100))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
