package http

import (
	"net/http"

	"github.com/attlas-services/attlas-server/internal/router"
)

// HealthController serves the unauthenticated liveness endpoint.
type HealthController struct{}

// NewHealthController returns the controller.
func NewHealthController() *HealthController { return &HealthController{} }

// RegisterRoutes registers GET /api/v1/health.
func (c *HealthController) RegisterRoutes(m *router.Matcher) error {
	_, err := m.Add(router.RouteSpec{
		Method:       http.MethodGet,
		Path:         "health",
		Handler:      c.health,
		RequiresAuth: false,
	})
	return err
}

func (c *HealthController) health(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	WriteSuccess(w, map[string]string{"status": "ok"}, "")
}
