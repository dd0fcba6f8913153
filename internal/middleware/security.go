package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/attlas-services/attlas-server/config"
	httpresp "github.com/attlas-services/attlas-server/internal/delivery/http"
	"github.com/attlas-services/attlas-server/internal/logging"
	"github.com/attlas-services/attlas-server/internal/session"
)

// SecurityStage applies response security headers, enforces the per-IP rate
// limit and validates CSRF tokens on mutating requests that carry a session.
type SecurityStage struct {
	headers  config.SecurityHeadersConfig
	csrf     config.CSRFConfig
	limiter  *RateLimiter
	rateCfg  config.RateLimitConfig
	sessions *session.Store
	logger   *logging.Logger
	tls      bool
}

// NewSecurityStage builds the stage. sessions may be nil when CSRF is
// disabled.
func NewSecurityStage(
	sec config.SecurityMiddlewareConfig,
	sessions *session.Store,
	logger *logging.Logger,
	tlsEnabled bool,
) *SecurityStage {
	var limiter *RateLimiter
	if sec.RateLimit.Enabled {
		limiter = NewRateLimiter(sec.RateLimit)
	}
	return &SecurityStage{
		headers:  sec.Headers,
		csrf:     sec.CSRF,
		limiter:  limiter,
		rateCfg:  sec.RateLimit,
		sessions: sessions,
		logger:   logger,
		tls:      tlsEnabled,
	}
}

func (s *SecurityStage) Name() string { return "security" }

// Limiter exposes the rate limiter for the purge task; nil when disabled.
func (s *SecurityStage) Limiter() *RateLimiter { return s.limiter }

// Process applies the three concerns in order: headers, rate limit, CSRF.
func (s *SecurityStage) Process(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	s.applyHeaders(w)

	if s.limiter != nil {
		ip := ClientIP(r)
		dec := s.limiter.Check(ip, time.Now().UTC())
		if !dec.Allowed {
			retry := int(dec.RetryAfter / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpresp.WriteAuthError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return Terminated, r
		}
		if dec.SoftLimit {
			s.logger.Warning("soft rate limit exceeded", zap.String("client_ip", ip))
		}
	}

	if s.csrf.Enabled {
		return s.checkCSRF(w, r)
	}
	return Continue, r
}

func (s *SecurityStage) applyHeaders(w http.ResponseWriter) {
	h := w.Header()
	set := func(name, value string) {
		if value != "" {
			h.Set(name, value)
		}
	}
	set("Content-Security-Policy", s.headers.ContentSecurityPolicy)
	set("X-Frame-Options", s.headers.XFrameOptions)
	set("X-XSS-Protection", s.headers.XXSSProtection)
	set("X-Content-Type-Options", s.headers.XContentTypeOptions)
	set("Referrer-Policy", s.headers.ReferrerPolicy)
	set("Permissions-Policy", s.headers.PermissionsPolicy)
	set("X-Download-Options", s.headers.XDownloadOptions)
	set("X-DNS-Prefetch-Control", s.headers.XDNSPrefetchControl)
	if s.tls {
		set("Strict-Transport-Security", s.headers.StrictTransportSecurity)
	}
}

// checkCSRF validates the presented token against the session's stored one
// using a constant-time compare. On success the stored token is rotated and
// the replacement echoed in the response header.
func (s *SecurityStage) checkCSRF(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	if !containsFold(s.csrf.ProtectedMethods, r.Method) {
		return Continue, r
	}

	sess := s.requestSession(r)
	if sess == nil {
		return Continue, r
	}

	expected, ok := sess.Get(s.csrf.SessionKey)
	presented := s.presentedToken(r)
	if !ok || presented == "" ||
		subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		s.logger.Warning("CSRF validation failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("client_ip", ClientIP(r)))
		httpresp.WriteAuthError(w, http.StatusForbidden, "CSRF token validation failed")
		return Terminated, r
	}

	if fresh, err := generateToken(); err == nil {
		sess.Set(s.csrf.SessionKey, fresh)
		w.Header().Set(s.csrf.HeaderName, fresh)
	}

	r = r.WithContext(WithSessionID(r.Context(), sess.ID()))
	return Continue, r
}

// requestSession resolves the session referenced by the request cookie, if
// any. An unknown or expired cookie means no session and no CSRF check.
func (s *SecurityStage) requestSession(r *http.Request) *session.Session {
	if s.sessions == nil {
		return nil
	}
	cookie, err := r.Cookie(s.csrf.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return s.sessions.GetByID(cookie.Value)
}

func (s *SecurityStage) presentedToken(r *http.Request) string {
	if tok := r.Header.Get(s.csrf.HeaderName); tok != "" {
		return tok
	}
	if s.csrf.FormField != "" {
		return r.PostFormValue(s.csrf.FormField)
	}
	return ""
}

// generateToken returns a fresh URL-safe random token.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// GenerateCSRFToken mints a token and stores it in the session under the
// configured key. Handlers creating sessions use this to seed protection.
func (s *SecurityStage) GenerateCSRFToken(sess *session.Session) (string, error) {
	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	sess.Set(s.csrf.SessionKey, tok)
	return tok, nil
}
