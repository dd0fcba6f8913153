package http

import (
	"net/http"
	"time"

	"github.com/attlas-services/attlas-server/internal/router"
)

// StatusSource exposes the lifecycle state and counters to the status
// endpoint without coupling the controller to the server type.
type StatusSource interface {
	StateName() string
	StartedAt() time.Time
	Counters() (active, total, failed int64)
}

// StatusController reports server state, uptime and request counters.
type StatusController struct {
	source StatusSource
}

// NewStatusController returns the controller.
func NewStatusController(source StatusSource) *StatusController {
	return &StatusController{source: source}
}

// RegisterRoutes registers GET /api/v1/status behind authentication.
func (c *StatusController) RegisterRoutes(m *router.Matcher) error {
	_, err := m.Add(router.RouteSpec{
		Method:       http.MethodGet,
		Path:         "status",
		Handler:      c.status,
		RequiresAuth: true,
	})
	return err
}

func (c *StatusController) status(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	active, total, failed := c.source.Counters()
	started := c.source.StartedAt()
	payload := map[string]interface{}{
		"state":              c.source.StateName(),
		"startup_time_utc":   started.UTC().Format(time.RFC3339),
		"uptime_seconds":     int64(time.Since(started).Seconds()),
		"active_connections": active,
		"total_requests":     total,
		"failed_requests":    failed,
	}
	WriteSuccess(w, payload, "")
}
