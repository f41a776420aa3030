package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-credits/internal/httpserver/protocol"
)

type creditsEndpoint struct {
	server *Server
}

func newCreditsEndpoint(server *Server) protocol.Endpoint {
	return &creditsEndpoint{server: server}
}

func (e *creditsEndpoint) Name() string { return "credits" }

func (e *creditsEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	session := s.wrapSessionHandler
	consume := s.sessionMiddleware(s.limit.Wrap(http.HandlerFunc(s.handleConsume)))
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/v1/credits/consume", Handler: consume},
		{Method: http.MethodGet, Path: "/api/v1/credits/balance", Handler: session(s.handleBalance)},
		{Method: http.MethodGet, Path: "/api/v1/credits/history", Handler: session(s.handleHistory)},
		{Method: http.MethodGet, Path: "/api/v1/credits/prices", Handler: http.HandlerFunc(s.handlePrices)},
		{Method: http.MethodGet, Path: "/api/v1/credits/events", Handler: session(s.handleEvents)},
	}
}
