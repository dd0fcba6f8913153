package http

import (
	"github.com/attlas-services/attlas-server/internal/router"
)

// Controller registers a group of routes on the matcher. The lifecycle
// collects controllers and registers them before the listener starts.
type Controller interface {
	RegisterRoutes(m *router.Matcher) error
}
