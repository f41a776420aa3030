package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/client"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

// handleAnonymousSignIn mints a new anonymous identity. Each call is a new
// browser from the ledger's point of view and gets its own user id.
func (s *Server) handleAnonymousSignIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now().UTC()
	userID := uuid.NewString()

	if _, err := s.identities.Create(ctx, userID, "", now); err != nil {
		s.respondStoreError(w, "create anonymous identity", err)
		return
	}
	if _, err := s.credits.Lifecycle.OnIdentityCreated(ctx, userID, true); err != nil {
		s.respondStoreError(w, "provision anonymous balance", err)
		return
	}
	remaining, err := s.credits.Reader.GetBalance(ctx, userID)
	if err != nil {
		s.respondStoreError(w, "read new balance", err)
		return
	}
	token, expires, err := s.auth.IssueToken(userID, true, s.tokenTTL)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.setSessionCookie(w, token, expires)
	s.respondJSON(w, http.StatusCreated, client.SessionResponse{
		UserID:    userID,
		Token:     token,
		ExpiresAt: expires,
		Anonymous: true,
		Remaining: remaining,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	ident, err := s.identities.Get(r.Context(), sess.UserID)
	if err != nil {
		s.respondStoreError(w, "load identity", err)
		return
	}
	if ident == nil {
		s.respondError(w, http.StatusUnauthorized, errors.New("identity no longer exists"))
		return
	}
	remaining, err := s.credits.Reader.GetBalance(r.Context(), sess.UserID)
	if err != nil {
		s.respondStoreError(w, "read balance", err)
		return
	}
	s.respondJSON(w, http.StatusOK, client.SessionResponse{
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
		Anonymous: ident.Anonymous,
		Remaining: remaining,
	})
}

func (s *Server) handleUpgradeChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFromContext(ctx)
	var req client.ChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	email, err := userstore.NormalizeEmail(req.Email)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	ident, err := s.identities.Get(ctx, sess.UserID)
	if err != nil {
		s.respondStoreError(w, "load identity", err)
		return
	}
	if ident == nil {
		s.respondError(w, http.StatusUnauthorized, errors.New("identity no longer exists"))
		return
	}
	if !ident.Anonymous {
		s.respondError(w, http.StatusConflict, userstore.ErrNotAnonymous)
		return
	}
	if owner, err := s.identities.FindByEmail(ctx, email); err != nil {
		s.respondStoreError(w, "lookup email", err)
		return
	} else if owner != nil && owner.ID != sess.UserID {
		s.respondError(w, http.StatusConflict, userstore.ErrEmailTaken)
		return
	}

	ch, err := s.auth.CreateChallenge(sess.UserID, email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	evt := hooks.NewEvent(hooks.EventUpgradeChallenge, s.clock.Now(), sess.UserID, sess.UserID, map[string]any{
		"email":        email,
		"challenge_id": ch.ID,
		"code":         ch.Code,
		"expires_at":   ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err := s.hooks.Emit(ctx, evt); err != nil {
		s.logger.Warnf("deliver upgrade challenge for %s: %v", sess.UserID, err)
	}
	s.logger.Infof("upgrade challenge %s issued for %s", ch.ID, sess.UserID)

	resp := client.ChallengeResponse{ChallengeID: ch.ID, ExpiresAt: ch.ExpiresAt}
	if s.exposeCodes {
		resp.Code = ch.Code
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleUpgradeVerify attaches the verified email and credits the registered
// floor. The session is reissued as registered and the client is told to
// discard what it cached under the anonymous one.
func (s *Server) handleUpgradeVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFromContext(ctx)
	var req client.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ChallengeID) == "" || strings.TrimSpace(req.Code) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("challenge_id and code required"))
		return
	}
	email, err := s.auth.VerifyChallenge(req.ChallengeID, sess.UserID, req.Code)
	switch {
	case errors.Is(err, auth.ErrChallengeNotFound):
		s.respondError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, auth.ErrChallengeMismatch):
		s.respondError(w, http.StatusForbidden, err)
		return
	case err != nil:
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	// A replay with the same email succeeds here; the ledger refuses a second bonus.
	if _, err := s.identities.Upgrade(ctx, sess.UserID, email, s.clock.Now().UTC()); err != nil {
		s.respondStoreError(w, "upgrade identity", err)
		return
	}
	up, err := s.credits.Lifecycle.OnUpgrade(ctx, sess.UserID)
	if err != nil {
		s.respondStoreError(w, "credit upgrade", err)
		return
	}
	token, expires, err := s.auth.IssueToken(sess.UserID, false, s.tokenTTL)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.setSessionCookie(w, token, expires)
	s.respondJSON(w, http.StatusOK, client.SessionResponse{
		UserID:       sess.UserID,
		Token:        token,
		ExpiresAt:    expires,
		Anonymous:    false,
		Remaining:    up.Remaining,
		DiscardCache: true,
	})
}
