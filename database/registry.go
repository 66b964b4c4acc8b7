package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry holds named connection managers. It is a plain value owned
// by the application's startup routine and passed to whatever needs a
// lookup; there is no package-level instance, so teardown order stays
// explicit.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
	pending  map[string]struct{}
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.With(zap.String("component", "db_registry")),
		managers: make(map[string]*Manager),
		pending:  make(map[string]struct{}),
	}
}

// Register creates, initializes and stores a manager under name.
// Registering a duplicate name is an error. The name is reserved for
// the whole call, so a concurrent Register of the same name fails
// instead of initializing a second manager.
func (r *Registry) Register(ctx context.Context, name string, cfg Config) (*Manager, error) {
	r.mu.Lock()
	if _, exists := r.managers[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("manager %q already registered", name)
	}
	if _, busy := r.pending[name]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("manager %q already registered", name)
	}
	r.pending[name] = struct{}{}
	r.mu.Unlock()

	m := NewManager(name, cfg, r.logger)
	if err := m.Initialize(ctx); err != nil {
		r.mu.Lock()
		delete(r.pending, name)
		r.mu.Unlock()
		return nil, fmt.Errorf("initialize manager %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.pending, name)
	r.managers[name] = m
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logger.Info("manager registered", zap.String("name", name))
	return m, nil
}

// Get returns the manager registered under name.
func (r *Registry) Get(name string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[name]
	return m, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// CloseAll destroys every manager in reverse registration order and
// empties the registry. Errors are joined, not short-circuited.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	order := r.order
	managers := r.managers
	r.order = nil
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := managers[name].Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
