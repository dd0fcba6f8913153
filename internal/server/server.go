// Package server composes the configuration store, logger, pool manager,
// session store, pipeline stages and HTTP engine, and orchestrates start,
// reload and stop.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/attlas-services/attlas-server/config"
	"github.com/attlas-services/attlas-server/internal/dbpool"
	httpdelivery "github.com/attlas-services/attlas-server/internal/delivery/http"
	"github.com/attlas-services/attlas-server/internal/httpserver"
	"github.com/attlas-services/attlas-server/internal/logging"
	"github.com/attlas-services/attlas-server/internal/metrics"
	"github.com/attlas-services/attlas-server/internal/middleware"
	"github.com/attlas-services/attlas-server/internal/router"
	"github.com/attlas-services/attlas-server/internal/session"
	"github.com/attlas-services/attlas-server/internal/supervisor"
)

// State is the lifecycle phase. Transitions within one run are monotone;
// StateError is terminal for the run.
type State int32

const (
	StateUnknown State = iota
	StateInitializing
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Server is the composition root.
type Server struct {
	baseDir string

	logger   *logging.Logger
	store    *config.Store
	pools    *dbpool.Manager
	sessions *session.Store
	sup      *supervisor.Supervisor
	engine   *httpserver.Engine
	security *middleware.SecurityStage
	mtr      *metrics.Metrics

	controllers []httpdelivery.Controller

	mu        sync.Mutex
	state     atomic.Int32
	startedAt time.Time
	pidPath   string
}

// New builds an unstarted server rooted at baseDir.
func New(baseDir string) *Server {
	s := &Server{
		baseDir: baseDir,
		logger:  logging.New(logging.Config{Level: logging.LevelInfo, Console: true}),
		store:   config.NewStore(),
	}
	s.state.Store(int32(StateStopped))
	return s
}

// StateName implements the status endpoint source.
func (s *Server) StateName() string { return s.State().String() }

// State returns the current lifecycle phase.
func (s *Server) State() State { return State(s.state.Load()) }

// StartedAt returns the startup time of the current run.
func (s *Server) StartedAt() time.Time { return s.startedAt }

// Counters returns the engine's request statistics.
func (s *Server) Counters() (active, total, failed int64) {
	if s.engine == nil {
		return 0, 0, 0
	}
	return s.engine.Counters()
}

// RegisterController appends a controller to be registered during start.
// Must be called before Run.
func (s *Server) RegisterController(c httpdelivery.Controller) {
	s.controllers = append(s.controllers, c)
}

// Run executes the full lifecycle: start, block on the supervisor, run
// shutdown handlers. It returns the error that prevented startup, if any.
func (s *Server) Run() error {
	if err := s.start(); err != nil {
		s.state.Store(int32(StateError))
		return err
	}
	s.sup.Wait()
	s.logger.Info("server exited")
	s.logger.Sync()
	return nil
}

// start performs the ordered boot sequence.
func (s *Server) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(StateInitializing))

	// 1. Configuration, with environment substitution and production
	// validation.
	if err := s.store.Initialize(s.baseDir); err != nil {
		return err
	}
	cfg := s.store.Typed()

	// 2. Logger rebuilt from the application section.
	s.logger = logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Application.LogLevel),
		Console:    cfg.Application.LogConsole,
		File:       cfg.Application.LogFile != "",
		FilePath:   s.resolvePath(cfg.Application.LogFile),
		MaxSizeMB:  cfg.Application.LogMaxSizeMB,
		MaxBackups: cfg.Application.LogMaxBackups,
		MaxAgeDays: cfg.Application.LogMaxAgeDays,
	})
	s.logger.Info("configuration loaded", zap.String("file", s.store.FilePath()))

	s.sup = supervisor.New(s.logger)

	// 3. Database pools.
	s.pools = dbpool.NewManager(s.logger)
	if err := s.pools.ConfigureFromDescriptors(cfg.DatabasePools); err != nil {
		return err
	}

	// 4. Session store, pipeline stages, HTTP engine.
	s.sessions = session.NewStore(time.Duration(cfg.Session.TimeoutMinutes) * time.Minute)
	if err := s.buildEngine(cfg); err != nil {
		return err
	}

	// 5. Controllers.
	s.state.Store(int32(StateStarting))
	if len(s.controllers) == 0 {
		s.controllers = []httpdelivery.Controller{
			httpdelivery.NewHealthController(),
			httpdelivery.NewStatusController(s),
		}
	}
	for _, c := range s.controllers {
		if err := c.RegisterRoutes(s.engine.Matcher()); err != nil {
			return fmt.Errorf("registering controller routes: %w", err)
		}
	}

	// 6. Shutdown handlers, LIFO: the engine drains before the pools.
	s.sup.RegisterShutdownHandler(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.gracePeriod(cfg))
		defer cancel()
		s.pools.ShutdownAll(ctx)
	})
	s.sup.RegisterShutdownHandler(func() { _ = s.Stop() })

	// 7. Background maintenance tasks.
	sweep := time.Duration(cfg.Session.CleanupIntervalMinutes) * time.Minute
	s.sup.StartTask("session-sweep", sweep, func() {
		if n := s.sessions.Sweep(); n > 0 {
			s.logger.Debug("expired sessions evicted", zap.Int("count", n))
		}
	})
	s.sup.StartTask("pool-evict", time.Minute, s.pools.EvictIdleAll)
	if limiter := s.security.Limiter(); limiter != nil {
		window := time.Duration(cfg.Security.SecurityMiddleware.RateLimit.WindowSeconds) * time.Second
		s.sup.StartTask("ratelimit-purge", 5*window, func() {
			limiter.Purge(time.Now().UTC())
		})
	}

	// 8. Listener.
	if err := s.engine.Start(); err != nil {
		return err
	}
	if err := s.writePIDFile(cfg); err != nil {
		return err
	}

	s.startedAt = time.Now().UTC()
	s.state.Store(int32(StateRunning))
	s.logger.Info("server running", zap.String("addr", s.engine.Addr()))
	return nil
}

// buildEngine constructs the stages and engine from the current snapshot.
func (s *Server) buildEngine(cfg config.Config) error {
	auth, err := middleware.NewAuthStage(cfg.Security.JWT, cfg.Security.AuthMiddleware)
	if err != nil {
		return &config.Error{Reason: "auth middleware", Err: err}
	}
	s.security = middleware.NewSecurityStage(
		cfg.Security.SecurityMiddleware, s.sessions, s.logger, cfg.Server.SSL.Enabled)

	var cors middleware.Stage
	if cfg.Server.CORS.Enabled {
		cors = middleware.NewCORSStage(cfg.Server.CORS)
	}
	if cfg.Server.MetricsEnabled {
		s.mtr = metrics.New()
	}

	s.engine = httpserver.New(
		s.logger, cfg.Server, s.baseDir,
		router.NewMatcher(), cors, s.security, auth, s.mtr)
	return nil
}

func (s *Server) gracePeriod(cfg config.Config) time.Duration {
	secs := cfg.Server.ShutdownGracePeriodSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Stop drains the engine and removes the PID file. Idempotent.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}
	cfg := s.store.Typed()
	ctx, cancel := context.WithTimeout(context.Background(), s.gracePeriod(cfg))
	defer cancel()
	err := s.engine.Stop(ctx)
	s.removePIDFile()
	s.state.Store(int32(StateStopped))
	s.logger.Info("server stopped")
	return err
}

// Reload re-reads the configuration and rebuilds the engine. In-flight
// requests finish first; the listener restarts if it was running.
func (s *Server) Reload() error {
	wasRunning := s.State() == StateRunning
	if wasRunning {
		if err := s.Stop(); err != nil {
			s.logger.Warning("drain during reload incomplete", zap.Error(err))
		}
	}

	if !s.store.Reload() {
		s.logger.Error("configuration reload failed, keeping previous snapshot")
		if wasRunning {
			return s.restart()
		}
		return fmt.Errorf("config reload failed")
	}

	s.mu.Lock()
	cfg := s.store.Typed()
	s.logger.SetLevel(logging.ParseLevel(cfg.Application.LogLevel))
	if err := s.pools.ConfigureFromDescriptors(cfg.DatabasePools); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessions = session.NewStore(time.Duration(cfg.Session.TimeoutMinutes) * time.Minute)
	if err := s.buildEngine(cfg); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, c := range s.controllers {
		if err := c.RegisterRoutes(s.engine.Matcher()); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	s.logger.Info("configuration reloaded")
	if wasRunning {
		return s.restart()
	}
	return nil
}

func (s *Server) restart() error {
	s.state.Store(int32(StateStarting))
	if err := s.engine.Start(); err != nil {
		s.state.Store(int32(StateError))
		return err
	}
	cfg := s.store.Typed()
	if err := s.writePIDFile(cfg); err != nil {
		return err
	}
	s.state.Store(int32(StateRunning))
	return nil
}

// RequestShutdown asks the supervisor to unblock Run.
func (s *Server) RequestShutdown() {
	if s.sup != nil {
		s.sup.RequestShutdown()
	}
}

func (s *Server) writePIDFile(cfg config.Config) error {
	if cfg.Server.PIDFile == "" {
		return nil
	}
	path := s.resolvePath(cfg.Server.PIDFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return &httpserver.StartError{Reason: "writing PID file " + path, Err: err}
	}
	s.pidPath = path
	return nil
}

func (s *Server) removePIDFile() {
	if s.pidPath != "" {
		_ = os.Remove(s.pidPath)
		s.pidPath = ""
	}
}

func (s *Server) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.baseDir, p)
}
