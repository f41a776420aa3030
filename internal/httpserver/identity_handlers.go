package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-credits/internal/client"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

func (s *Server) handleIdentityCreated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req client.IdentityEvent
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, userstore.ErrMissingUserID)
		return
	}
	email := ""
	if !req.Anonymous {
		normalized, err := userstore.NormalizeEmail(req.Email)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		email = normalized
	}

	ident, err := s.identities.Create(ctx, userID, email, s.clock.Now().UTC())
	if err != nil {
		s.respondStoreError(w, "create identity", err)
		return
	}
	anonymous := userstore.ClassOf(ident) == ledger.ClassAnonymous
	created, err := s.credits.Lifecycle.OnIdentityCreated(ctx, userID, anonymous)
	if err != nil {
		s.respondStoreError(w, "provision balance", err)
		return
	}
	bal, err := s.credits.Reader.Balance(ctx, userID)
	if err != nil {
		s.respondStoreError(w, "read balance", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, s.toBalanceResponse(bal))
}

// handleIdentityUpgraded accepts an optional email. Providers that already
// stored the email themselves send an empty body.
func (s *Server) handleIdentityUpgraded(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Email) != "" {
		email, err := userstore.NormalizeEmail(req.Email)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := s.identities.Upgrade(ctx, userID, email, s.clock.Now().UTC()); err != nil {
			s.respondStoreError(w, "upgrade identity", err)
			return
		}
	}
	up, err := s.credits.Lifecycle.OnUpgrade(ctx, userID)
	if err != nil {
		s.respondStoreError(w, "credit upgrade", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toBalanceResponse(up.Balance))
}

func (s *Server) handleIdentityDeleted(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	removed, err := s.credits.Lifecycle.OnIdentityDeleted(r.Context(), userID)
	if err != nil {
		s.respondStoreError(w, "delete identity", err)
		return
	}
	if !removed {
		s.respondError(w, http.StatusNotFound, userstore.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toBalanceResponse(bal ledger.Balance) client.BalanceResponse {
	last := bal.LastResetAt.UTC()
	return client.BalanceResponse{
		UserID:      bal.UserID,
		Remaining:   bal.Remaining,
		Total:       bal.Total,
		Used:        bal.Used,
		LastResetAt: &last,
		ResetsAt:    ledger.NextReset(s.clock.Now()),
	}
}
