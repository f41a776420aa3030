package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/balancecache"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-credits/internal/jobs"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/ratelimit"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

const (
	sessionCookie    = "credits_session"
	adminTokenHeader = "X-Admin-Token"
	defaultHeartbeat = 25 * time.Second
	maxBodyBytes     = 64 << 10
)

// DefaultEndpoints lists every endpoint key in registration order.
var DefaultEndpoints = []string{"auth", "credits", "identities", "admin", "health"}

// Options wires the server to the credits service and its collaborators.
// Credits, Identities and Auth are required.
type Options struct {
	Credits    *credits.Service
	Identities userstore.Store
	Auth       *auth.Manager
	// Jobs backs the admin job routes; they answer 503 without it.
	Jobs *jobs.Runner
	// Bus feeds the invalidation stream; it answers 501 without it.
	Bus     balancecache.Bus
	Limiter *ratelimit.Limiter
	Health  *health.Checker
	Metrics *metrics.Collector
	Hooks   *hooks.Dispatcher

	// AdminToken guards the identity webhooks and admin routes. Empty
	// disables them.
	AdminToken string
	TokenTTL   time.Duration
	// ExposeChallengeCodes echoes upgrade codes in the API response for
	// deployments without a mail hook.
	ExposeChallengeCodes bool
	SecureCookies        bool
	Heartbeat            time.Duration
	Endpoints            []string

	Clock  quartz.Clock
	Logger *logging.Leveled
}

// Server exposes the credit ledger over HTTP.
type Server struct {
	credits    *credits.Service
	identities userstore.Store
	auth       *auth.Manager
	jobs       *jobs.Runner
	bus        balancecache.Bus
	health     *health.Checker
	metrics    *metrics.Collector
	hooks      *hooks.Dispatcher
	limit      *ratelimit.Middleware

	adminToken    string
	tokenTTL      time.Duration
	exposeCodes   bool
	secureCookies bool
	heartbeat     time.Duration
	endpointKeys  []string
	clock         quartz.Clock
	logger        *logging.Leveled

	closing   chan struct{}
	closeOnce sync.Once
}

// New validates opts and builds a server.
func New(opts Options) (*Server, error) {
	if opts.Credits == nil {
		return nil, errors.New("httpserver: credits service required")
	}
	if opts.Identities == nil {
		return nil, errors.New("httpserver: identity store required")
	}
	if opts.Auth == nil {
		return nil, errors.New("httpserver: auth manager required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = auth.DefaultTokenTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = DefaultEndpoints
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Health == nil {
		opts.Health = health.New(health.Config{Clock: opts.Clock, Probes: []health.Probe{
			{Name: "identities", Type: "database", Critical: true, Target: opts.Identities},
		}})
	}
	s := &Server{
		credits:       opts.Credits,
		identities:    opts.Identities,
		auth:          opts.Auth,
		jobs:          opts.Jobs,
		bus:           opts.Bus,
		health:        opts.Health,
		metrics:       opts.Metrics,
		hooks:         opts.Hooks,
		adminToken:    opts.AdminToken,
		tokenTTL:      opts.TokenTTL,
		exposeCodes:   opts.ExposeChallengeCodes,
		secureCookies: opts.SecureCookies,
		heartbeat:     opts.Heartbeat,
		endpointKeys:  opts.Endpoints,
		clock:         opts.Clock,
		logger:        opts.Logger,
		closing:       make(chan struct{}),
	}
	s.limit = ratelimit.NewMiddleware(opts.Limiter, opts.Limiter != nil, s.rateLimitKey, opts.Logger, opts.Metrics)
	return s, nil
}

// CloseStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on them.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpointKeys(r, s.endpointKeys...)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.logger.DebugEnabled() {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.logger.Debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) registerEndpointKeys(r chi.Router, keys ...string) int {
	var endpoints []protocol.Endpoint
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if ep := s.endpointByKey(key); ep != nil {
			endpoints = append(endpoints, ep)
		} else {
			s.logger.Warnf("unknown endpoint %q, skipping registration", key)
		}
	}
	s.registerEndpoints(r, endpoints...)
	return len(endpoints)
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case "auth":
		return newAuthEndpoint(s)
	case "credits":
		return newCreditsEndpoint(s)
	case "identities", "webhooks":
		return newIdentitiesEndpoint(s)
	case "admin":
		return newAdminEndpoint(s)
	case "health", "status":
		return newHealthEndpoint(s)
	default:
		return nil
	}
}

func (s *Server) wrapSessionHandler(fn http.HandlerFunc) http.Handler {
	return s.sessionMiddleware(fn)
}

func (s *Server) wrapAdminHandler(fn http.HandlerFunc) http.Handler {
	return s.requireAdmin(fn)
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, &sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (auth.Session, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil || cookie.Value == "" {
			return auth.Session{}, errors.New("missing session")
		}
		token = cookie.Value
	}
	return s.auth.ValidateToken(token)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.respondError(w, http.StatusForbidden, errors.New("admin api disabled"))
			return
		}
		got := r.Header.Get(adminTokenHeader)
		if got == "" {
			got = bearerToken(r.Header.Get("Authorization"))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitKey(r *http.Request) string {
	if sess := sessionFromContext(r.Context()); sess != nil {
		return "user:" + sess.UserID
	}
	return ""
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secureCookies,
		Expires:  expires,
	})
}

type sessionContextKey struct{}

func sessionFromContext(ctx context.Context) *auth.Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*auth.Session)
	return sess
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondStoreError maps ledger and identity failures onto status codes.
// Transient failures become 503 with Retry-After so callers back off. An
// unknown outcome becomes 504 without Retry-After.
func (s *Server) respondStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownIdentity), errors.Is(err, userstore.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, credits.ErrUnknownAction), errors.Is(err, userstore.ErrInvalidEmail), errors.Is(err, userstore.ErrMissingUserID):
		s.respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, userstore.ErrEmailTaken), errors.Is(err, userstore.ErrNotAnonymous),
		errors.Is(err, credits.ErrNotRegistered), errors.Is(err, ledger.ErrSchedulerOverlap):
		s.respondError(w, http.StatusConflict, err)
	case ledger.IsOutcomeUnknown(err):
		s.logger.Errorf("%s: %v", op, err)
		s.respondError(w, http.StatusGatewayTimeout, ledger.ErrOutcomeUnknown)
	case ledger.IsTransient(err):
		s.logger.Warnf("%s: %v", op, err)
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusServiceUnavailable, errors.New("ledger temporarily unavailable"))
	default:
		s.logger.Errorf("%s: %v", op, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
