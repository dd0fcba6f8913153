package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/attlas-services/attlas-server/config"
)

// CORSStage validates the Origin header, answers preflight requests and
// decorates allowed cross-origin responses. A disallowed origin passes
// through undecorated; the stage never rejects by itself.
type CORSStage struct {
	cfg config.CORSConfig
}

// NewCORSStage builds the stage from an immutable configuration value.
func NewCORSStage(cfg config.CORSConfig) *CORSStage {
	return &CORSStage{cfg: cfg}
}

func (s *CORSStage) Name() string { return "cors" }

// Process implements the stage contract.
func (s *CORSStage) Process(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return Continue, r
	}

	allowed, wildcard := s.originAllowed(origin)
	if !allowed {
		return Continue, r
	}

	allowOrigin := origin
	if wildcard {
		allowOrigin = "*"
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Methods", strings.Join(s.cfg.AllowedMethods, ", "))
		if len(s.cfg.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(s.cfg.AllowedHeaders, ", "))
		}
		if s.cfg.MaxAgeSeconds > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(s.cfg.MaxAgeSeconds))
		}
		if s.cfg.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		w.WriteHeader(http.StatusNoContent)
		return Terminated, r
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	if s.cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(s.cfg.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(s.cfg.ExposedHeaders, ", "))
	}
	return Continue, r
}

// originAllowed reports whether origin is permitted and whether the match
// came from the wildcard entry. Scheme and host compare case-insensitively.
func (s *CORSStage) originAllowed(origin string) (allowed, wildcard bool) {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return true, true
		}
		if strings.EqualFold(o, origin) {
			return true, false
		}
	}
	return false, false
}
