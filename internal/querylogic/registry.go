// Package querylogic holds the registry of query logic implementations and
// the SQL-backed logic executors run by default.
package querylogic

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"queryfleet/internal/domain"
)

var _ domain.QueryLogicFactory = (*Registry)(nil)

// Constructor returns a fresh QueryLogic instance.
type Constructor func() domain.QueryLogic

// Registry maps logic names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor. Registering a name twice is a conflict.
func (r *Registry) Register(name string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return domain.ErrConflict("query logic %q already registered", name)
	}
	r.ctors[name] = ctor
	return nil
}

// QueryLogic implements domain.QueryLogicFactory.
func (r *Registry) QueryLogic(name string) (domain.QueryLogic, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound("query logic %q not registered", name)
	}
	return ctor(), nil
}

// Names lists the registered logic names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var _ domain.ConnectionFactory = (*DBConnectionFactory)(nil)

// DBConnectionFactory hands out dedicated connections from a database pool.
type DBConnectionFactory struct {
	DB *sql.DB
}

// Connection implements domain.ConnectionFactory.
func (f *DBConnectionFactory) Connection(ctx context.Context, _ domain.Query) (*sql.Conn, error) {
	conn, err := f.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return conn, nil
}
