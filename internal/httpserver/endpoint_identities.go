package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-credits/internal/httpserver/protocol"
)

// identitiesEndpoint receives lifecycle webhooks from an external identity
// provider. Anonymous sign-in and upgrade through the auth endpoint cover the
// built-in provider.
type identitiesEndpoint struct {
	server *Server
}

func newIdentitiesEndpoint(server *Server) protocol.Endpoint {
	return &identitiesEndpoint{server: server}
}

func (e *identitiesEndpoint) Name() string { return "identities" }

func (e *identitiesEndpoint) Routes() []protocol.EndpointRoute {
	wrap := e.server.wrapAdminHandler
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/api/v1/identities", Handler: wrap(e.server.handleIdentityCreated)},
		{Method: http.MethodPost, Path: "/api/v1/identities/{id}/upgrade", Handler: wrap(e.server.handleIdentityUpgraded)},
		{Method: http.MethodDelete, Path: "/api/v1/identities/{id}", Handler: wrap(e.server.handleIdentityDeleted)},
	}
}
