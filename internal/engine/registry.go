package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"duck-adhoc/internal/domain"
)

var _ domain.ExecutionEngine = (*Registry)(nil)

// Backend is a single named query engine.
type Backend interface {
	Execute(ctx context.Context, query string, timeoutSeconds, maxRows int) (*domain.EngineResult, error)
	ValidateSQL(ctx context.Context, query string) (*domain.SQLValidation, error)
}

// Registry dispatches engine calls by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds or replaces the backend for name (case-insensitive).
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[strings.ToLower(name)] = b
}

// Names returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[strings.ToLower(name)]
	if !ok {
		return nil, domain.ErrValidation("engine %q is not configured", name)
	}
	return b, nil
}

// Execute implements domain.ExecutionEngine.
func (r *Registry) Execute(ctx context.Context, query, engine string, timeoutSeconds, maxRows int) (*domain.EngineResult, error) {
	b, err := r.lookup(engine)
	if err != nil {
		return nil, err
	}
	return b.Execute(ctx, query, timeoutSeconds, maxRows)
}

// ValidateSQL implements domain.ExecutionEngine.
func (r *Registry) ValidateSQL(ctx context.Context, query, engine string) (*domain.SQLValidation, error) {
	b, err := r.lookup(engine)
	if err != nil {
		return nil, err
	}
	return b.ValidateSQL(ctx, query)
}
