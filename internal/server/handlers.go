package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"status": "ok", "sessions": s.sessions.Len()}

	if s.opts.Engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Engine.Ping(ctx); err != nil {
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Languages ---

type languageInfo struct {
	ID      string `json:"id"`
	Image   string `json:"image"`
	Run     string `json:"run"`
	Install bool   `json:"install"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	specs := s.sessions.Registry().All()
	out := make([]languageInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, languageInfo{
			ID:      spec.ID,
			Image:   spec.Image,
			Run:     spec.RunCommand(),
			Install: spec.CanInstall(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

// handleCancelRun stops the session's active run. An optional ?run= pins the
// request to one run so a stale cancel cannot hit its successor.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runID := r.URL.Query().Get("run")

	switch err := s.sessions.Cancel(id, runID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrNoActiveRun):
		writeError(w, http.StatusConflict, "no active run")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Run history ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := storage.RunListOptions{}

	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	opts.SessionID = q.Get("session")
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.opts.Store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.opts.Store.GetRun(r.Context(), id)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			writeError(w, http.StatusNotFound, "run not found")
		case strings.Contains(err.Error(), "ambiguous"):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, run)
}
