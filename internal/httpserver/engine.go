// Package httpserver implements the HTTP engine: listener binding, TLS
// setup, connection limits, worker-pool scheduling and the per-request
// pipeline fold over the CORS, security and auth stages.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/attlas-services/attlas-server/config"
	httpresp "github.com/attlas-services/attlas-server/internal/delivery/http"
	"github.com/attlas-services/attlas-server/internal/logging"
	"github.com/attlas-services/attlas-server/internal/metrics"
	"github.com/attlas-services/attlas-server/internal/middleware"
	"github.com/attlas-services/attlas-server/internal/router"
)

// StartError marks a listener bind, TLS setup or serve failure. The server
// maps it to exit code 3.
type StartError struct {
	Reason string
	Err    error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start: %s: %v", e.Reason, e.Err)
	}
	return "start: " + e.Reason
}

func (e *StartError) Unwrap() error { return e.Err }

func startErr(reason string, err error) error {
	return &StartError{Reason: reason, Err: err}
}

// minKeySize is the smallest private-key file accepted in production mode.
const minKeySize = 256

// Engine accepts connections and drives requests through the pipeline:
// CORS -> Security -> route lookup -> Auth -> handler. It does not know
// concrete routes; unmatched requests get the 404 envelope.
type Engine struct {
	logger  *logging.Logger
	cfg     config.ServerConfig
	baseDir string

	matcher *router.Matcher
	cors    middleware.Stage
	sec     middleware.Stage
	auth    middleware.Stage
	mtr     *metrics.Metrics

	workerSem chan struct{}

	httpSrv  *http.Server
	listener net.Listener
	tlsOn    bool
	running  atomic.Bool

	activeConnections atomic.Int64
	totalRequests     atomic.Int64
	failedRequests    atomic.Int64
}

// New wires an engine. cors, sec and auth may be nil to disable a stage;
// mtr may be nil to disable the Prometheus mirror.
func New(
	logger *logging.Logger,
	cfg config.ServerConfig,
	baseDir string,
	matcher *router.Matcher,
	cors, sec, auth middleware.Stage,
	mtr *metrics.Metrics,
) *Engine {
	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		baseDir:  baseDir,
		matcher:  matcher,
		cors:     cors,
		sec:      sec,
		auth:     auth,
		mtr:      mtr,
	}
	if cfg.ThreadPoolSize > 0 {
		e.workerSem = make(chan struct{}, cfg.ThreadPoolSize)
	}
	return e
}

// Matcher exposes the route table for controller registration.
func (e *Engine) Matcher() *router.Matcher { return e.matcher }

// TLSEnabled reports whether the listener serves TLS.
func (e *Engine) TLSEnabled() bool { return e.cfg.SSL.Enabled }

// Counters returns the request statistics.
func (e *Engine) Counters() (active, total, failed int64) {
	return e.activeConnections.Load(), e.totalRequests.Load(), e.failedRequests.Load()
}

// Addr returns the bound listener address, or empty before Start.
func (e *Engine) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Running reports whether the engine is serving.
func (e *Engine) Running() bool { return e.running.Load() }

// Start binds the listener and begins serving in the background. The route
// table is frozen here; registration after Start fails.
func (e *Engine) Start() error {
	if e.running.Load() {
		return nil
	}
	e.matcher.Freeze()

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return startErr("binding "+addr, err)
	}
	if e.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, e.cfg.MaxConnections)
	}

	if e.cfg.SSL.Enabled {
		tlsCfg, err := e.tlsConfig()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
		e.tlsOn = true
	}

	idleTimeout := time.Duration(e.cfg.ConnectionTimeoutSeconds) * time.Second
	e.httpSrv = &http.Server{
		Handler:     e.handler(),
		IdleTimeout: idleTimeout,
		ReadTimeout: idleTimeout,
		ConnState:   e.trackConn,
	}
	e.httpSrv.SetKeepAlivesEnabled(e.cfg.KeepAliveEnabled)

	e.listener = ln
	e.running.Store(true)
	go func() {
		err := e.httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("listener stopped", zap.Error(err))
		}
		e.running.Store(false)
	}()

	e.logger.Info("http engine started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", e.tlsOn),
		zap.Int("max_connections", e.cfg.MaxConnections),
		zap.Int("thread_pool_size", e.cfg.ThreadPoolSize))
	return nil
}

// tlsConfig resolves and validates the certificate material. Relative paths
// are resolved against the base directory.
func (e *Engine) tlsConfig() (*tls.Config, error) {
	certPath := e.resolvePath(e.cfg.SSL.CertFile)
	keyPath := e.resolvePath(e.cfg.SSL.KeyFile)

	for _, p := range []string{certPath, keyPath} {
		info, err := os.Stat(p)
		if err != nil {
			return nil, startErr("TLS file "+p, err)
		}
		if info.Size() == 0 {
			return nil, startErr("TLS file "+p+" is empty", nil)
		}
	}
	if config.IsProduction() {
		if info, err := os.Stat(keyPath); err == nil && info.Size() < minKeySize {
			return nil, startErr("TLS private key "+keyPath+" is too small for production", nil)
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, startErr("loading TLS key pair", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (e *Engine) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.baseDir, p)
}

func (e *Engine) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		e.activeConnections.Add(1)
		if e.mtr != nil {
			e.mtr.ActiveConnections.Inc()
		}
	case http.StateClosed, http.StateHijacked:
		e.activeConnections.Add(-1)
		if e.mtr != nil {
			e.mtr.ActiveConnections.Dec()
		}
	}
}

// handler builds the outer chain: request id and real-IP resolution wrap
// the pipeline entry point.
func (e *Engine) handler() http.Handler {
	var h http.Handler = http.HandlerFunc(e.serve)
	h = chimiddleware.RealIP(h)
	h = chimiddleware.RequestID(h)
	return h
}

// serve drives one request through the pipeline. Uncaught panics become a
// 500 envelope; every 4xx/5xx outcome counts as failed.
func (e *Engine) serve(w http.ResponseWriter, r *http.Request) {
	e.totalRequests.Add(1)
	if e.mtr != nil {
		e.mtr.TotalRequests.Inc()
	}

	if e.workerSem != nil {
		e.workerSem <- struct{}{}
		defer func() { <-e.workerSem }()
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("handler panic",
				zap.Any("panic", p),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			if !rec.wrote {
				httpresp.WriteInternalError(rec)
			}
			e.countFailure()
			return
		}
		if rec.status >= 400 {
			e.countFailure()
		}
	}()

	if e.mtr != nil && r.URL.Path == "/metrics" && e.cfg.MetricsEnabled {
		e.mtr.Handler().ServeHTTP(rec, r)
		return
	}

	e.runPipeline(rec, r)
}

func (e *Engine) countFailure() {
	e.failedRequests.Add(1)
	if e.mtr != nil {
		e.mtr.FailedRequests.Inc()
	}
}

// runPipeline is the fold over stages, with route lookup and parameter
// validation between the security and auth stages.
func (e *Engine) runPipeline(w http.ResponseWriter, r *http.Request) {
	for _, stage := range []middleware.Stage{e.cors, e.sec} {
		if stage == nil {
			continue
		}
		verdict, next := stage.Process(w, r)
		if verdict == middleware.Terminated {
			return
		}
		r = next
	}

	route, params := e.matcher.Find(r.Method, r.URL.Path)
	if route == nil {
		httpresp.WriteNotFound(w)
		return
	}
	if err := router.ValidateParams(route, params); err != nil {
		e.logger.Debug("route parameter rejected",
			zap.String("path", r.URL.Path), zap.Error(err))
		httpresp.WriteInvalidParameter(w)
		return
	}
	r = r.WithContext(middleware.WithRoute(r.Context(), route, params))

	if e.auth != nil {
		verdict, next := e.auth.Process(w, r)
		if verdict == middleware.Terminated {
			return
		}
		r = next
	}

	route.Handler(w, r, params)
}

// Stop drains in-flight requests up to the grace period, then closes the
// listener. Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	if e.httpSrv == nil {
		return nil
	}
	if !e.running.Load() {
		return nil
	}
	e.logger.Info("http engine stopping")
	err := e.httpSrv.Shutdown(ctx)
	if err != nil {
		e.logger.Warning("graceful drain incomplete, forcing close", zap.Error(err))
		_ = e.httpSrv.Close()
	}
	e.running.Store(false)
	return err
}

// statusRecorder captures the response status for failure accounting.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.wrote = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}
