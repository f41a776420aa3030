package protocol

import "net/http"

// EndpointRoute binds one method and chi pattern to a handler.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named group of routes registered together. Each caller of
// the credits service (identity provider, AI pipeline, presentation layer,
// operators) gets its own endpoint so deployments can expose them on
// separate listeners.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
