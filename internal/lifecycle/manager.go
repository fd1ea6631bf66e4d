// Package lifecycle keeps one running poller per subscribed key.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrMissingFactory = errors.New("lifecycle: factory is required")
	ErrMissingSource  = errors.New("lifecycle: subscription source is required")
)

// Runner is anything with a blocking run loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the poller for a newly subscribed key.
type Factory[K comparable, V Runner] func(key K) (V, error)

// Config wires a Manager.
type Config[K comparable, V Runner] struct {
	Name    string
	Factory Factory[K, V]
	Logger  *zap.Logger
}

type entry[V Runner] struct {
	poller V
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager starts and stops pollers so the running set matches the latest key set.
type Manager[K comparable, V Runner] struct {
	name    string
	factory Factory[K, V]
	logger  *zap.Logger

	mu      sync.Mutex
	running map[K]*entry[V]
}

// NewManager builds a manager with no running loops.
func NewManager[K comparable, V Runner](cfg Config[K, V]) (*Manager[K, V], error) {
	if cfg.Factory == nil {
		return nil, ErrMissingFactory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "pollers"
	}
	return &Manager[K, V]{
		name:    name,
		factory: cfg.Factory,
		logger:  logger.With(zap.String("component", "lifecycle"), zap.String("pollers", name)),
		running: make(map[K]*entry[V]),
	}, nil
}

// Sync starts a poller for each new key and stops the pollers whose key is gone.
// Keys that remain keep their running poller.
func (m *Manager[K, V]) Sync(ctx context.Context, keys []K) error {
	wanted := make(map[K]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}

	m.mu.Lock()
	var stopped []*entry[V]
	for key, running := range m.running {
		if _, keep := wanted[key]; keep {
			continue
		}
		running.cancel()
		stopped = append(stopped, running)
		delete(m.running, key)
		m.logger.Info("poller stopped", zap.String("key", fmt.Sprint(key)))
	}

	var errs error
	for key := range wanted {
		if _, exists := m.running[key]; exists {
			continue
		}
		poller, err := m.factory(key)
		if err != nil {
			m.logger.Warn("poller creation failed", zap.String("key", fmt.Sprint(key)), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("lifecycle: start %v: %w", key, err))
			continue
		}
		m.running[key] = m.start(ctx, key, poller)
		m.logger.Info("poller started", zap.String("key", fmt.Sprint(key)))
	}
	m.mu.Unlock()

	for _, running := range stopped {
		<-running.done
	}
	return errs
}

func (m *Manager[K, V]) start(ctx context.Context, key K, poller V) *entry[V] {
	pollerCtx, cancel := context.WithCancel(ctx)
	running := &entry[V]{poller: poller, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(running.done)
		err := poller.Run(pollerCtx)
		if err != nil && pollerCtx.Err() == nil {
			m.logger.Warn("poller exited", zap.String("key", fmt.Sprint(key)), zap.Error(err))
			return
		}
		if err == nil {
			m.logger.Info("poller finished", zap.String("key", fmt.Sprint(key)))
		}
	}()
	return running
}

// Run applies every published key set until ctx ends, then stops all pollers.
func (m *Manager[K, V]) Run(ctx context.Context, source *observable.Value[[]K]) error {
	if source == nil {
		return ErrMissingSource
	}
	updates, unsubscribe := source.Subscribe(ctx)
	defer unsubscribe()
	defer m.StopAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case keys, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			if err := m.Sync(ctx, keys); err != nil {
				m.logger.Warn("subscription sync incomplete", zap.Error(err))
			}
		}
	}
}

// StopAll cancels every running poller and waits for them to exit.
func (m *Manager[K, V]) StopAll() {
	m.mu.Lock()
	entries := make([]*entry[V], 0, len(m.running))
	for key, running := range m.running {
		running.cancel()
		entries = append(entries, running)
		delete(m.running, key)
	}
	m.mu.Unlock()
	for _, running := range entries {
		<-running.done
	}
}

// Get returns the running poller for key.
func (m *Manager[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	running, ok := m.running[key]
	if !ok {
		var zero V
		return zero, false
	}
	return running.poller, true
}

// Keys lists the keys with a running poller, sorted by their printed form.
func (m *Manager[K, V]) Keys() []K {
	m.mu.Lock()
	keys := make([]K, 0, len(m.running))
	for key := range m.running {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
	return keys
}

// Len returns the number of running pollers.
func (m *Manager[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
