package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-credits/internal/httpserver/protocol"
)

type authEndpoint struct {
	server *Server
}

func newAuthEndpoint(server *Server) protocol.Endpoint {
	return &authEndpoint{server: server}
}

func (e *authEndpoint) Name() string { return "auth" }

func (e *authEndpoint) Routes() []protocol.EndpointRoute {
	session := e.server.wrapSessionHandler
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/v1/auth/anonymous", Handler: http.HandlerFunc(e.server.handleAnonymousSignIn)},
		{Method: http.MethodGet, Path: "/api/v1/auth/session", Handler: session(e.server.handleSession)},
		{Method: http.MethodPost, Path: "/api/v1/auth/upgrade/challenge", Handler: session(e.server.handleUpgradeChallenge)},
		{Method: http.MethodPost, Path: "/api/v1/auth/upgrade/verify", Handler: session(e.server.handleUpgradeVerify)},
	}
}
