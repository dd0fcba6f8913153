package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/attlas-services/attlas-server/config"
	httpresp "github.com/attlas-services/attlas-server/internal/delivery/http"
)

// tokenSource is one parsed lookup rule: "header:<name>[:<prefix>]" or
// "queryparam:<name>".
type tokenSource struct {
	fromHeader bool
	name       string
	prefix     string
}

// AuthStage extracts and validates bearer tokens and attaches the principal
// to the request context. Excluded paths, routes with RequiresAuth=false
// and (optionally) OPTIONS requests pass through untouched.
type AuthStage struct {
	secret             []byte
	issuer             string
	audience           string
	excludedPaths      []string
	sources            []tokenSource
	allowPublicOptions bool

	parser *jwt.Parser
}

// NewAuthStage builds the stage from the JWT and auth middleware sections.
func NewAuthStage(jwtCfg config.JWTConfig, authCfg config.AuthMiddlewareConfig) (*AuthStage, error) {
	sources, err := parseTokenSources(authCfg.TokenSources)
	if err != nil {
		return nil, err
	}
	return &AuthStage{
		secret:             []byte(jwtCfg.Secret),
		issuer:             jwtCfg.Issuer,
		audience:           jwtCfg.Audience,
		excludedPaths:      append([]string(nil), authCfg.ExcludedPaths...),
		sources:            sources,
		allowPublicOptions: authCfg.AllowPublicOptions,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func parseTokenSources(specs []string) ([]tokenSource, error) {
	var out []tokenSource
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		switch {
		case len(parts) >= 2 && parts[0] == "header":
			src := tokenSource{fromHeader: true, name: parts[1]}
			if len(parts) == 3 {
				src.prefix = parts[2]
			}
			out = append(out, src)
		case len(parts) == 2 && parts[0] == "queryparam":
			out = append(out, tokenSource{name: parts[1]})
		default:
			return nil, fmt.Errorf("auth: invalid token source %q", spec)
		}
	}
	return out, nil
}

func (s *AuthStage) Name() string { return "auth" }

// Process implements the per-request decision tree.
func (s *AuthStage) Process(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	if s.allowPublicOptions && r.Method == http.MethodOptions {
		return Continue, r
	}
	for _, prefix := range s.excludedPaths {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return Continue, r
		}
	}
	if route := RouteFrom(r.Context()); route != nil && !route.RequiresAuth {
		return Continue, r
	}

	token := s.extractToken(r)
	if token == "" {
		httpresp.WriteAuthError(w, http.StatusUnauthorized, "Authentication token is required")
		return Terminated, r
	}

	principal, err := s.validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			httpresp.WriteAuthError(w, http.StatusUnauthorized, "Authentication token has expired")
		} else {
			httpresp.WriteAuthError(w, http.StatusUnauthorized, "Invalid authentication token")
		}
		return Terminated, r
	}

	r = r.WithContext(WithPrincipal(r.Context(), principal))
	return Continue, r
}

// extractToken prefers the Authorization bearer header, then the configured
// sources in order.
func (s *AuthStage) extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	for _, src := range s.sources {
		var raw string
		if src.fromHeader {
			raw = r.Header.Get(src.name)
			if src.prefix != "" {
				if !strings.HasPrefix(raw, src.prefix) {
					continue
				}
				raw = strings.TrimSpace(strings.TrimPrefix(raw, src.prefix))
			}
		} else {
			raw = r.URL.Query().Get(src.name)
		}
		if raw != "" {
			return raw
		}
	}
	return ""
}

// validate checks signature, expiry, not-before, issuer and audience, and
// maps the claims to a principal. Audience comparison is case-insensitive
// and accepts a scalar or an array containing the expected value.
func (s *AuthStage) validate(token string) (*Principal, error) {
	claims := jwt.MapClaims{}
	_, err := s.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if s.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != s.issuer {
			return nil, jwt.ErrTokenInvalidIssuer
		}
	}
	if s.audience != "" {
		if !audienceMatches(claims, s.audience) {
			return nil, jwt.ErrTokenInvalidAudience
		}
	}

	sub, _ := claims.GetSubject()
	return &Principal{
		UserID:    sub,
		Username:  stringClaim(claims, "username"),
		Role:      stringClaim(claims, "role"),
		SessionID: stringClaim(claims, "session_id"),
	}, nil
}

func audienceMatches(claims jwt.MapClaims, expected string) bool {
	switch aud := claims["aud"].(type) {
	case string:
		return strings.EqualFold(aud, expected)
	case []interface{}:
		for _, e := range aud {
			if s, ok := e.(string); ok && strings.EqualFold(s, expected) {
				return true
			}
		}
	case []string:
		for _, e := range aud {
			if strings.EqualFold(e, expected) {
				return true
			}
		}
	}
	return false
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
