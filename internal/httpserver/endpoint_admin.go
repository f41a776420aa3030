package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-credits/internal/httpserver/protocol"
)

type adminEndpoint struct {
	server *Server
}

func newAdminEndpoint(server *Server) protocol.Endpoint {
	return &adminEndpoint{server: server}
}

func (e *adminEndpoint) Name() string { return "admin" }

func (e *adminEndpoint) Routes() []protocol.EndpointRoute {
	wrap := e.server.wrapAdminHandler
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/v1/admin/jobs/daily", Handler: wrap(e.server.handleRunDaily)},
		{Method: http.MethodPost, Path: "/api/v1/admin/jobs/reset", Handler: wrap(e.server.handleRunReset)},
		{Method: http.MethodPost, Path: "/api/v1/admin/jobs/prune", Handler: wrap(e.server.handleRunPrune)},
		{Method: http.MethodGet, Path: "/api/v1/admin/jobs/last", Handler: wrap(e.server.handleLastDaily)},
		{Method: http.MethodGet, Path: "/api/v1/admin/balances/{id}", Handler: wrap(e.server.handleAdminBalance)},
	}
}
