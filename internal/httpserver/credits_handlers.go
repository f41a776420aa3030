package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tokligence/tokligence-credits/internal/client"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// handleConsume is called by the AI pipeline before it performs a paid
// action. 200 means the credits were taken; 402 means nothing was taken and
// carries the next step; 503 means nothing was taken and the call may be
// retried. 504 means the store lost its connection while committing: the
// spend may or may not have landed, so the caller must re-read the balance
// instead of retrying.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFromContext(ctx)
	var req client.ConsumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	cost, err := s.credits.Engine.Price(action)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.credits.Engine.Consume(ctx, sess.UserID, action)
	if err != nil {
		s.respondStoreError(w, "consume", err)
		return
	}

	resp := client.ConsumeResponse{
		OK:        res.OK(),
		Outcome:   res.Outcome.String(),
		Remaining: res.Remaining,
		Action:    action,
		Cost:      cost,
	}
	switch res.Outcome {
	case ledger.OutcomeOK:
		s.respondJSON(w, http.StatusOK, resp)
	case ledger.OutcomeInsufficient:
		step := s.credits.Engine.NextStep(ctx, sess.UserID)
		resp.NextStep = step.Action
		resp.ResetsAt = &step.ResetsAt
		resp.Message = step.Message
		resp.Error = ledger.ErrInsufficientCredits.Error()
		s.respondJSON(w, http.StatusPaymentRequired, resp)
	case ledger.OutcomeNotFound:
		resp.Error = res.AsError().Error()
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		status := http.StatusNotFound
		if errors.Is(res.Err, credits.ErrMissingAfterCreate) {
			status = http.StatusInternalServerError
		}
		s.respondJSON(w, status, resp)
	case ledger.OutcomeTransient:
		resp.Error = "ledger temporarily unavailable"
		w.Header().Set("Retry-After", "1")
		s.respondJSON(w, http.StatusServiceUnavailable, resp)
	case ledger.OutcomeUnknown:
		resp.Error = ledger.ErrOutcomeUnknown.Error()
		resp.Message = "re-read the balance before retrying"
		s.respondJSON(w, http.StatusGatewayTimeout, resp)
	default:
		s.logger.Errorf("consume %s: unexpected outcome %v", sess.UserID, res.Outcome)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// handleBalance serves the display balance. fresh=true skips the cache and
// returns the whole row.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFromContext(ctx)
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		bal, err := s.credits.Reader.Balance(ctx, sess.UserID)
		if err != nil {
			s.respondStoreError(w, "read balance", err)
			return
		}
		s.respondJSON(w, http.StatusOK, s.toBalanceResponse(bal))
		return
	}
	remaining, err := s.credits.Reader.GetBalance(ctx, sess.UserID)
	if err != nil {
		s.respondStoreError(w, "read balance", err)
		return
	}
	s.respondJSON(w, http.StatusOK, client.BalanceResponse{
		UserID:    sess.UserID,
		Remaining: remaining,
		ResetsAt:  ledger.NextReset(s.clock.Now()),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := s.credits.Reader.History(r.Context(), sess.UserID, limit)
	if err != nil {
		s.respondStoreError(w, "read history", err)
		return
	}
	s.respondJSON(w, http.StatusOK, client.HistoryResponse{UserID: sess.UserID, Entries: toHistoryEntries(entries)})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"prices": s.credits.Engine.Prices()})
}

func toHistoryEntries(entries []ledger.AuditEntry) []client.HistoryEntry {
	out := make([]client.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, client.HistoryEntry{
			ID:          e.ID,
			Kind:        string(e.Kind),
			Amount:      e.Amount,
			Description: e.Description,
			CreatedAt:   e.CreatedAt.UTC(),
		})
	}
	return out
}
