// Package middleware implements the request pipeline stages: CORS,
// security (headers, rate limiting, CSRF) and authentication. Stages depend
// only on immutable configuration values; the engine owns the stage list
// and folds over it per request.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/attlas-services/attlas-server/internal/router"
)

// Verdict is the terminal outcome of a stage.
type Verdict int

const (
	// Continue hands the request to the next stage.
	Continue Verdict = iota
	// Terminated means the stage wrote the final response.
	Terminated
)

// Stage is one pipeline step. A stage either writes a response and returns
// Terminated, or returns Continue with a possibly-updated request.
type Stage interface {
	Name() string
	Process(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request)
}

// Principal is the identity extracted from a validated bearer token.
type Principal struct {
	UserID    string
	Username  string
	Role      string
	SessionID string
}

type contextKey string

const (
	routeKey     contextKey = "attlas.route"
	paramsKey    contextKey = "attlas.params"
	principalKey contextKey = "attlas.principal"
	sessionIDKey contextKey = "attlas.session_id"
)

// WithRoute attaches the matched route and its raw parameters.
func WithRoute(ctx context.Context, route *router.Route, params map[string]string) context.Context {
	ctx = context.WithValue(ctx, routeKey, route)
	return context.WithValue(ctx, paramsKey, params)
}

// RouteFrom returns the matched route, or nil before route lookup.
func RouteFrom(ctx context.Context) *router.Route {
	r, _ := ctx.Value(routeKey).(*router.Route)
	return r
}

// ParamsFrom returns the extracted raw parameters.
func ParamsFrom(ctx context.Context) map[string]string {
	p, _ := ctx.Value(paramsKey).(map[string]string)
	return p
}

// WithPrincipal attaches the authenticated principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated principal, or nil for anonymous
// requests.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// WithSessionID attaches the validated session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFrom returns the session id attached by the security stage.
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// ClientIP extracts the client address, honouring proxy headers the way
// the engine's RealIP wrapper populates RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func containsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}
