package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644))
	return dir
}

func devMode(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("APP_ENV", "")
}

const sampleConfig = `{
  "application": {"name": "attlas", "logLevel": "debug"},
  "server": {
    "host": "127.0.0.1",
    "port": 9090,
    "maxConnections": 128,
    "cors": {"enabled": true, "allowedOrigins": ["https://app.example"]}
  },
  "security": {
    "jwt": {"secret": "${JWT_SECRET}", "issuer": "attlas"},
    "authMiddleware": {"excludedPaths": ["/api/v1/health"]}
  },
  "databasePools": [
    {
      "name": "main",
      "driver": "postgresql",
      "host": "${DB_HOST}",
      "port": 5432,
      "database": "${DB_NAME}",
      "username": "${DB_USER}",
      "password": "${DB_PASSWORD}",
      "minSize": 1,
      "maxSize": 8
    }
  ]
}`

func TestInitializeLoadsTypedConfig(t *testing.T) {
	devMode(t)
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))

	cfg := s.Typed()
	assert.Equal(t, "debug", cfg.Application.LogLevel)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 128, cfg.Server.MaxConnections)
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.CORS.AllowedOrigins)
	assert.Equal(t, "attlas", cfg.Security.JWT.Issuer)
	require.Len(t, cfg.DatabasePools, 1)
	assert.Equal(t, "main", cfg.DatabasePools[0].Name)
	assert.Equal(t, filepath.Join(dir, "config.json"), s.FilePath())
}

func TestEnvSubstitution(t *testing.T) {
	devMode(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("JWT_SECRET", "an-explicit-secret-value-0123456789abcdef")
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))

	cfg := s.Typed()
	assert.Equal(t, "db.internal", cfg.DatabasePools[0].Host)
	assert.Equal(t, "an-explicit-secret-value-0123456789abcdef", cfg.Security.JWT.Secret)
}

func TestEnvSubstitutionDefaults(t *testing.T) {
	devMode(t)
	os.Unsetenv("DB_HOST")
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))

	cfg := s.Typed()
	assert.Equal(t, "localhost", cfg.DatabasePools[0].Host)
	assert.Equal(t, "attlas", cfg.DatabasePools[0].Database)
}

func TestDefaultsApplied(t *testing.T) {
	devMode(t)
	dir := writeConfig(t, `{"application": {}, "server": {}}`)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))

	cfg := s.Typed()
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.True(t, cfg.Server.KeepAliveEnabled)
	assert.Equal(t, 30, cfg.Server.ShutdownGracePeriodSeconds)
	assert.Equal(t, 60, cfg.Security.SecurityMiddleware.RateLimit.MaxRequests)
	assert.Equal(t, []string{"POST", "PUT", "DELETE", "PATCH"},
		cfg.Security.SecurityMiddleware.CSRF.ProtectedMethods)
	assert.Equal(t, 30, cfg.Session.TimeoutMinutes)
}

func TestMissingFileIsConfigError(t *testing.T) {
	devMode(t)
	s := NewStore()
	err := s.Initialize(t.TempDir())

	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, s.Loaded())
}

func TestMalformedJSONIsConfigError(t *testing.T) {
	devMode(t)
	dir := writeConfig(t, `{"server": `)

	s := NewStore()
	var cfgErr *Error
	assert.ErrorAs(t, s.Initialize(dir), &cfgErr)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	devMode(t)
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))

	snap := s.Snapshot()
	app := snap["application"].(map[string]any)
	app["name"] = "mutated"

	again := s.Snapshot()
	assert.Equal(t, "attlas", again["application"].(map[string]any)["name"])
}

func TestSnapshotBeforeLoadIsEmpty(t *testing.T) {
	s := NewStore()
	assert.Empty(t, s.Snapshot())
}

func TestReloadPicksUpChanges(t *testing.T) {
	devMode(t)
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))
	assert.Equal(t, 9090, s.Typed().Server.Port)

	updated := `{"application": {}, "server": {"port": 9191}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(updated), 0o644))

	assert.True(t, s.Reload())
	assert.Equal(t, 9191, s.Typed().Server.Port)
}

func TestReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	devMode(t)
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{broken"), 0o644))

	assert.False(t, s.Reload())
	assert.Equal(t, 9090, s.Typed().Server.Port)
	assert.True(t, s.Loaded())
}

func TestProductionRejectsUnsetCriticalVars(t *testing.T) {
	t.Setenv("ENVIRONMENT", "PRODUCTION")
	os.Unsetenv("DB_PASSWORD")
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("PASSWORD_SALT")
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	var cfgErr *Error
	assert.ErrorAs(t, s.Initialize(dir), &cfgErr)
}

func TestProductionRejectsShortJWTSecret(t *testing.T) {
	t.Setenv("APP_ENV", "PROD")
	t.Setenv("DB_PASSWORD", "vK9#mQ2$wL8@pR5^tY3&")
	t.Setenv("JWT_SECRET", "too-short")
	t.Setenv("PASSWORD_SALT", "xN7!jB4%hF6*dS1(gA9)")
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	var cfgErr *Error
	assert.ErrorAs(t, s.Initialize(dir), &cfgErr)
}

func TestProductionRejectsWeakPassword(t *testing.T) {
	t.Setenv("ENVIRONMENT", "PRODUCTION")
	t.Setenv("DB_PASSWORD", "password123")
	t.Setenv("JWT_SECRET", "k2J8dPq61mX4nV7bC3zW9yT5rE0uI6oL")
	t.Setenv("PASSWORD_SALT", "xN7!jB4%hF6*dS1(gA9)")
	dir := writeConfig(t, sampleConfig)

	s := NewStore()
	var cfgErr *Error
	assert.ErrorAs(t, s.Initialize(dir), &cfgErr)
}

func TestProductionAcceptsStrongSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "PRODUCTION")
	t.Setenv("DB_PASSWORD", "vK9#mQ2$wL8@pR5^tY3&")
	t.Setenv("JWT_SECRET", "k2J8dPq61mX4nV7bC3zW9yT5rE0uI6oL")
	t.Setenv("PASSWORD_SALT", "xN7!jB4%hF6*dS1(gA9)")

	production := `{
  "application": {},
  "server": {"ssl": {"enabled": true, "certFile": "server.crt", "keyFile": "server.key"}},
  "security": {"jwt": {"secret": "${JWT_SECRET}"}}
}`
	dir := writeConfig(t, production)

	s := NewStore()
	require.NoError(t, s.Initialize(dir))
	assert.True(t, s.Typed().Server.SSL.Enabled)
}

func TestPoolDescriptorDSN(t *testing.T) {
	d := PoolDescriptor{
		Host: "db", Port: 5432, Username: "app", Password: "pw", Database: "main",
	}
	assert.Equal(t, "host=db port=5432 user=app password=pw dbname=main sslmode=disable", d.DSN())
}

func TestIsProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("APP_ENV", "")
	assert.False(t, IsProduction())

	t.Setenv("ENVIRONMENT", "production")
	assert.True(t, IsProduction())

	t.Setenv("ENVIRONMENT", "")
	t.Setenv("APP_ENV", "prod")
	assert.True(t, IsProduction())
}
