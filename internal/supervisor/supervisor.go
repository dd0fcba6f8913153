// Package supervisor installs OS termination hooks, runs registered
// shutdown handlers in reverse registration order, and owns the background
// tasks that need a cancellation signal at shutdown.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/attlas-services/attlas-server/internal/logging"
)

// taskStopGrace bounds the wait for background tasks after cancellation.
const taskStopGrace = 5 * time.Second

// Supervisor coordinates process shutdown. Handlers registered before the
// server starts serving run LIFO when a termination signal fires or
// RequestShutdown is called; a panicking handler does not prevent the rest
// from running.
type Supervisor struct {
	logger *logging.Logger

	mu       sync.Mutex
	handlers []func()

	ctx    context.Context
	cancel context.CancelFunc

	sigCh    chan os.Signal
	shutdown chan struct{}
	once     sync.Once

	tasks sync.WaitGroup
}

// New builds a supervisor and installs SIGINT, SIGQUIT and SIGTERM hooks.
func New(logger *logging.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sigCh:    make(chan os.Signal, 1),
		shutdown: make(chan struct{}),
	}
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return s
}

// Context is cancelled when shutdown begins. Background tasks derive from it.
func (s *Supervisor) Context() context.Context { return s.ctx }

// RegisterShutdownHandler appends fn to the handler stack.
func (s *Supervisor) RegisterShutdownHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// StartTask runs fn every interval until shutdown. The first run happens
// after one interval, not immediately.
func (s *Supervisor) StartTask(name string, interval time.Duration, fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debug("background task stopped", zap.String("task", name))
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// RequestShutdown releases Wait without an OS signal. Safe to call more
// than once.
func (s *Supervisor) RequestShutdown() {
	s.once.Do(func() { close(s.shutdown) })
}

// Wait blocks until a termination signal fires or RequestShutdown is
// called, then runs the registered handlers in LIFO order, cancels the
// background tasks and waits (bounded) for them to stop.
func (s *Supervisor) Wait() {
	select {
	case sig := <-s.sigCh:
		s.logger.Info("termination signal received", zap.String("signal", sig.String()))
	case <-s.shutdown:
		s.logger.Info("shutdown requested")
	}
	signal.Stop(s.sigCh)

	s.mu.Lock()
	handlers := make([]func(), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		s.runHandler(handlers[i])
	}

	s.cancel()
	s.waitTasks(taskStopGrace)
}

func (s *Supervisor) runHandler(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("shutdown handler panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Supervisor) waitTasks(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warning("background tasks did not stop within grace period")
	}
}
