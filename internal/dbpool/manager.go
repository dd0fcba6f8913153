package dbpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attlas-services/attlas-server/config"
	"github.com/attlas-services/attlas-server/internal/logging"
)

// Manager is the registry mapping pool names to pools.
type Manager struct {
	logger *logging.Logger

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager returns an empty registry.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// ConfigureFromDescriptors creates one pool per descriptor. A descriptor
// reusing an existing name replaces the previous pool after draining it.
func (m *Manager) ConfigureFromDescriptors(descriptors []config.PoolDescriptor) error {
	for _, desc := range descriptors {
		pool, err := NewPool(desc)
		if err != nil {
			return err
		}
		m.mu.Lock()
		old := m.pools[desc.Name]
		m.pools[desc.Name] = pool
		m.mu.Unlock()
		if old != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			_ = old.Shutdown(ctx)
			cancel()
		}
		m.logger.Info("database pool configured",
			zap.String("pool", desc.Name),
			zap.String("driver", desc.Driver),
			zap.Int("min", desc.MinSize),
			zap.Int("max", desc.MaxSize))
	}
	return nil
}

// Pool returns a registered pool by name.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// EvictIdleAll runs idle eviction on every pool. Driven by the
// supervisor's periodic task.
func (m *Manager) EvictIdleAll() {
	now := time.Now().UTC()
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()
	for _, p := range pools {
		if n := p.EvictIdle(now); n > 0 {
			m.logger.Debug("idle connections evicted",
				zap.String("pool", p.Name()), zap.Int("count", n))
		}
	}
}

// ShutdownAll drains every pool in parallel and returns when all have
// drained or the context deadline elapses.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, p := range pools {
		wg.Add(1)
		go func(name string, p *Pool) {
			defer wg.Done()
			_ = p.Shutdown(ctx)
			m.logger.Info("database pool drained", zap.String("pool", name))
		}(name, p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warning("pool drain deadline elapsed")
	}
}
