// Package config implements the server's configuration store. It loads a
// JSON document from {baseDir}/config.json, substitutes ${VAR} environment
// tokens in the raw text, and exposes both a typed record and cloned raw
// snapshots. Mutation happens only behind the store lock; consumers own the
// copies they are handed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/attlas-services/attlas-server/pkg/password"
)

// Error marks a configuration failure. The server maps it to exit code 2.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return "config: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func configErr(reason string, err error) error {
	return &Error{Reason: reason, Err: err}
}

// ApplicationConfig carries process-wide settings.
type ApplicationConfig struct {
	Name          string `mapstructure:"name"`
	LogLevel      string `mapstructure:"logLevel"`
	LogFile       string `mapstructure:"logFile"`
	LogConsole    bool   `mapstructure:"logConsole"`
	LogMaxSizeMB  int    `mapstructure:"logMaxSizeMb"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
	LogMaxAgeDays int    `mapstructure:"logMaxAgeDays"`
}

// SSLConfig selects TLS material for the listener. Relative paths are
// resolved against the base directory.
type SSLConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// CORSConfig configures the CORS pipeline stage.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	AllowedMethods   []string `mapstructure:"allowedMethods"`
	AllowedHeaders   []string `mapstructure:"allowedHeaders"`
	ExposedHeaders   []string `mapstructure:"exposedHeaders"`
	MaxAgeSeconds    int      `mapstructure:"maxAgeSeconds"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

// ServerConfig configures the HTTP engine.
type ServerConfig struct {
	Host                       string     `mapstructure:"host"`
	Port                       int        `mapstructure:"port" validate:"min=0,max=65535"`
	MaxConnections             int        `mapstructure:"maxConnections"`
	ThreadPoolSize             int        `mapstructure:"threadPoolSize"`
	KeepAliveEnabled           bool       `mapstructure:"keepAliveEnabled"`
	ConnectionTimeoutSeconds   int        `mapstructure:"connectionTimeoutSeconds"`
	ShutdownGracePeriodSeconds int        `mapstructure:"shutdownGracePeriodSeconds"`
	PIDFile                    string     `mapstructure:"pidFile"`
	MetricsEnabled             bool       `mapstructure:"metricsEnabled"`
	SSL                        SSLConfig  `mapstructure:"ssl"`
	CORS                       CORSConfig `mapstructure:"cors"`
}

// JWTConfig configures bearer-token validation.
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// AuthMiddlewareConfig configures the authentication stage.
type AuthMiddlewareConfig struct {
	ExcludedPaths      []string `mapstructure:"excludedPaths"`
	TokenSources       []string `mapstructure:"tokenSources"`
	AllowPublicOptions bool     `mapstructure:"allowPublicOptions"`
}

// RateLimitConfig configures the per-IP limiter.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxRequests   int  `mapstructure:"maxRequests"`
	WindowSeconds int  `mapstructure:"windowSeconds"`
	BurstLimit    int  `mapstructure:"burstLimit"`
	BlockMinutes  int  `mapstructure:"blockMinutes"`
}

// CSRFConfig configures mutating-request token validation.
type CSRFConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	ProtectedMethods []string `mapstructure:"protectedMethods"`
	SessionKey       string   `mapstructure:"sessionKey"`
	HeaderName       string   `mapstructure:"headerName"`
	FormField        string   `mapstructure:"formField"`
	CookieName       string   `mapstructure:"cookieName"`
}

// SecurityHeadersConfig carries the response header values applied by the
// security stage.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy   string `mapstructure:"contentSecurityPolicy"`
	XFrameOptions           string `mapstructure:"xFrameOptions"`
	XXSSProtection          string `mapstructure:"xXssProtection"`
	XContentTypeOptions     string `mapstructure:"xContentTypeOptions"`
	ReferrerPolicy          string `mapstructure:"referrerPolicy"`
	PermissionsPolicy       string `mapstructure:"permissionsPolicy"`
	XDownloadOptions        string `mapstructure:"xDownloadOptions"`
	XDNSPrefetchControl     string `mapstructure:"xDnsPrefetchControl"`
	StrictTransportSecurity string `mapstructure:"strictTransportSecurity"`
}

// SecurityMiddlewareConfig groups the security stage settings.
type SecurityMiddlewareConfig struct {
	Headers   SecurityHeadersConfig `mapstructure:"headers"`
	RateLimit RateLimitConfig       `mapstructure:"rateLimit"`
	CSRF      CSRFConfig            `mapstructure:"csrf"`
}

// SecurityConfig groups all security sections.
type SecurityConfig struct {
	JWT                JWTConfig                `mapstructure:"jwt"`
	AuthMiddleware     AuthMiddlewareConfig     `mapstructure:"authMiddleware"`
	SecurityMiddleware SecurityMiddlewareConfig `mapstructure:"securityMiddleware"`
}

// SessionConfig configures the in-memory session store.
type SessionConfig struct {
	TimeoutMinutes         int `mapstructure:"timeoutMinutes"`
	CleanupIntervalMinutes int `mapstructure:"cleanupIntervalMinutes"`
}

// PoolDescriptor describes one named database pool.
type PoolDescriptor struct {
	Name                  string `mapstructure:"name" validate:"required"`
	Driver                string `mapstructure:"driver" validate:"required"`
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	Database              string `mapstructure:"database"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	SSLMode               string `mapstructure:"sslMode"`
	MinSize               int    `mapstructure:"minSize" validate:"min=0"`
	MaxSize               int    `mapstructure:"maxSize" validate:"min=1"`
	IdleTimeoutSeconds    int    `mapstructure:"idleTimeoutSeconds"`
	AcquireTimeoutSeconds int    `mapstructure:"acquireTimeoutSeconds"`
	HealthCheckSeconds    int    `mapstructure:"healthCheckSeconds"`
	ProbeSQL              string `mapstructure:"probeSql"`
}

// Config is the typed record handed to components. It is a value type;
// copies are independent.
type Config struct {
	Application   ApplicationConfig `mapstructure:"application"`
	Server        ServerConfig      `mapstructure:"server"`
	Security      SecurityConfig    `mapstructure:"security"`
	Session       SessionConfig     `mapstructure:"session"`
	DatabasePools []PoolDescriptor  `mapstructure:"databasePools" validate:"dive"`
}

const configFileName = "config.json"

var envToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitutionDefaults are applied when the environment variable is unset.
// Critical secrets carry development-only values that production validation
// rejects.
var substitutionDefaults = map[string]string{
	"DB_HOST":       "localhost",
	"DB_PORT":       "5432",
	"DB_NAME":       "attlas",
	"DB_USER":       "postgres",
	"DB_PASSWORD":   "postgres",
	"JWT_SECRET":    "local-development-jwt-secret-0123456789abcdef",
	"PASSWORD_SALT": "local-development-salt-value",
}

// criticalVars must be set to strong, non-default values in production.
var criticalVars = []string{"DB_PASSWORD", "JWT_SECRET", "PASSWORD_SALT"}

// IsProduction reports whether the process runs in production mode.
func IsProduction() bool {
	if equalFold(os.Getenv("ENVIRONMENT"), "PRODUCTION") {
		return true
	}
	return equalFold(os.Getenv("APP_ENV"), "PROD")
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Store owns the loaded configuration. All reads hand out copies; all
// mutation happens under the internal lock.
type Store struct {
	mu       sync.RWMutex
	baseDir  string
	filePath string
	raw      map[string]any
	typed    Config
	loaded   bool

	validate *validator.Validate
}

// NewStore returns an empty store. Initialize must be called before the
// typed record is meaningful.
func NewStore() *Store {
	return &Store{validate: validator.New()}
}

// Initialize loads {baseDir}/config.json, applying environment substitution
// and, in production mode, critical-variable validation.
func (s *Store) Initialize(baseDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseDir = baseDir
	s.filePath = filepath.Join(baseDir, configFileName)
	return s.loadLocked()
}

// Reload re-reads the file. It reports success; on failure the previous
// snapshot stays in place.
func (s *Store) Reload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filePath == "" {
		return false
	}
	prevRaw, prevTyped, prevLoaded := s.raw, s.typed, s.loaded
	if err := s.loadLocked(); err != nil {
		s.raw, s.typed, s.loaded = prevRaw, prevTyped, prevLoaded
		return false
	}
	return true
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return configErr("reading "+s.filePath, err)
	}

	substituted, err := substituteEnv(data)
	if err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader(substituted)); err != nil {
		return configErr("parsing "+s.filePath, err)
	}

	var typed Config
	if err := v.Unmarshal(&typed); err != nil {
		return configErr("decoding "+s.filePath, err)
	}
	if err := s.validate.Struct(typed); err != nil {
		return configErr("validating "+s.filePath, err)
	}
	if IsProduction() {
		if err := validateProduction(typed); err != nil {
			return err
		}
	}

	s.raw = v.AllSettings()
	s.typed = typed
	s.loaded = true
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.logLevel", "info")
	v.SetDefault("application.logConsole", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.keepAliveEnabled", true)
	v.SetDefault("server.connectionTimeoutSeconds", 60)
	v.SetDefault("server.shutdownGracePeriodSeconds", 30)
	v.SetDefault("server.pidFile", "attlas-server.pid")
	v.SetDefault("server.cors.allowedMethods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("server.cors.allowedHeaders", []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"})
	v.SetDefault("security.securityMiddleware.headers.xFrameOptions", "DENY")
	v.SetDefault("security.securityMiddleware.headers.xXssProtection", "1; mode=block")
	v.SetDefault("security.securityMiddleware.headers.xContentTypeOptions", "nosniff")
	v.SetDefault("security.securityMiddleware.headers.referrerPolicy", "strict-origin-when-cross-origin")
	v.SetDefault("security.securityMiddleware.headers.contentSecurityPolicy", "default-src 'none'; frame-ancestors 'none'")
	v.SetDefault("security.securityMiddleware.headers.permissionsPolicy", "geolocation=(), microphone=(), camera=()")
	v.SetDefault("security.securityMiddleware.headers.xDownloadOptions", "noopen")
	v.SetDefault("security.securityMiddleware.headers.xDnsPrefetchControl", "off")
	v.SetDefault("security.securityMiddleware.headers.strictTransportSecurity", "max-age=31536000; includeSubDomains")
	v.SetDefault("security.securityMiddleware.rateLimit.maxRequests", 60)
	v.SetDefault("security.securityMiddleware.rateLimit.windowSeconds", 60)
	v.SetDefault("security.securityMiddleware.rateLimit.burstLimit", 90)
	v.SetDefault("security.securityMiddleware.rateLimit.blockMinutes", 5)
	v.SetDefault("security.securityMiddleware.csrf.protectedMethods", []string{"POST", "PUT", "DELETE", "PATCH"})
	v.SetDefault("security.securityMiddleware.csrf.sessionKey", "csrf_token")
	v.SetDefault("security.securityMiddleware.csrf.headerName", "X-CSRF-Token")
	v.SetDefault("security.securityMiddleware.csrf.formField", "csrf_token")
	v.SetDefault("security.securityMiddleware.csrf.cookieName", "session_id")
	v.SetDefault("session.timeoutMinutes", 30)
	v.SetDefault("session.cleanupIntervalMinutes", 5)
}

func substituteEnv(data []byte) ([]byte, error) {
	var substErr error
	production := IsProduction()
	out := envToken.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envToken.FindSubmatch(m)[1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if def, ok := substitutionDefaults[name]; ok {
			if production && isCritical(name) && substErr == nil {
				substErr = configErr("critical variable "+name+" is unset in production", nil)
			}
			return []byte(def)
		}
		return []byte{}
	})
	if substErr != nil {
		return nil, substErr
	}
	return out, nil
}

func isCritical(name string) bool {
	for _, c := range criticalVars {
		if c == name {
			return true
		}
	}
	return false
}

// validateProduction rejects unset, default, or weak critical secrets.
func validateProduction(cfg Config) error {
	for _, name := range criticalVars {
		val := os.Getenv(name)
		if val == "" {
			return configErr("critical variable "+name+" is unset in production", nil)
		}
		if val == substitutionDefaults[name] {
			return configErr("critical variable "+name+" still carries its default value", nil)
		}
	}
	if secret := os.Getenv("JWT_SECRET"); len(secret) < 32 {
		return configErr("JWT_SECRET must be at least 32 characters in production", nil)
	}
	for _, name := range []string{"DB_PASSWORD", "PASSWORD_SALT"} {
		if password.IsWeak(os.Getenv(name)) {
			return configErr("critical variable "+name+" is too weak for production", nil)
		}
	}
	if cfg.Security.JWT.Secret != "" && len(cfg.Security.JWT.Secret) < 32 {
		return configErr("security.jwt.secret must be at least 32 characters in production", nil)
	}
	if !cfg.Server.SSL.Enabled {
		return configErr("server.ssl must be enabled in production", nil)
	}
	return nil
}

// Snapshot returns a deep copy of the raw settings map. It never fails; an
// uninitialized store yields an empty map.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return map[string]any{}
	}
	return deepCopyMap(s.raw)
}

// Typed returns a copy of the typed configuration record.
func (s *Store) Typed() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.typed
	cfg.DatabasePools = append([]PoolDescriptor(nil), s.typed.DatabasePools...)
	cfg.Server.CORS = copyCORS(s.typed.Server.CORS)
	cfg.Security.AuthMiddleware.ExcludedPaths = append([]string(nil), s.typed.Security.AuthMiddleware.ExcludedPaths...)
	cfg.Security.AuthMiddleware.TokenSources = append([]string(nil), s.typed.Security.AuthMiddleware.TokenSources...)
	cfg.Security.SecurityMiddleware.CSRF.ProtectedMethods = append([]string(nil), s.typed.Security.SecurityMiddleware.CSRF.ProtectedMethods...)
	return cfg
}

func copyCORS(c CORSConfig) CORSConfig {
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.AllowedMethods = append([]string(nil), c.AllowedMethods...)
	c.AllowedHeaders = append([]string(nil), c.AllowedHeaders...)
	c.ExposedHeaders = append([]string(nil), c.ExposedHeaders...)
	return c
}

// FilePath returns the absolute configuration file path.
func (s *Store) FilePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filePath
}

// BaseDir returns the directory Initialize was called with.
func (s *Store) BaseDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseDir
}

// Loaded reports whether a load has succeeded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		cp := make([]any, len(tv))
		for i, e := range tv {
			cp[i] = deepCopyValue(e)
		}
		return cp
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}

// ErrNotLoaded is returned by helpers that need a loaded store.
var ErrNotLoaded = errors.New("config: store not initialized")

// DSN renders a key=value connection string for a pool descriptor, matching
// the lib/pq and pgx keyword format.
func (d PoolDescriptor) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, ssl)
}
