package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-credits/internal/credits"
)

var errJobsDisabled = errors.New("job runner not configured")

// Manual job runs are detached from the request so a dropped connection does
// not abort a batch halfway.
func (s *Server) jobContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleRunDaily(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errJobsDisabled)
		return
	}
	report, err := s.jobs.RunDaily(s.jobContext(r))
	if err != nil {
		s.respondStoreError(w, "daily batch", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunReset(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errJobsDisabled)
		return
	}
	asOf := s.clock.Now().UTC()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid as_of: %w", err))
			return
		}
		asOf = t
	}
	report, err := s.jobs.ResetAll(s.jobContext(r), asOf)
	if err != nil {
		s.respondStoreError(w, "reset", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunPrune(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errJobsDisabled)
		return
	}
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid older_than %q", v))
			return
		}
		olderThan = d
	}
	report, err := s.jobs.PruneStaleAnonymous(s.jobContext(r), olderThan)
	if err != nil {
		s.respondStoreError(w, "prune", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastDaily(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, errJobsDisabled)
		return
	}
	report, ok := s.jobs.LastDaily()
	if !ok {
		s.respondError(w, http.StatusNotFound, errors.New("no daily batch has run yet"))
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleAdminBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	bal, err := s.credits.Reader.Balance(r.Context(), userID)
	if err != nil {
		s.respondStoreError(w, "read balance", err)
		return
	}
	limit := credits.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.credits.Reader.History(r.Context(), userID, limit)
	if err != nil {
		s.respondStoreError(w, "read history", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"balance": s.toBalanceResponse(bal),
		"history": toHistoryEntries(entries),
	})
}
