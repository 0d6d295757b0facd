package merge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTable indicates that no policy is registered for a table.
var ErrUnknownTable = errors.New("merge: unknown table")

// Registry records which strategy each synced table uses.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register binds a table to a strategy, replacing any previous binding.
func (r *Registry) Register(table string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[table] = kind
}

// Lookup returns the strategy for a table.
func (r *Registry) Lookup(table string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return kind, nil
}

// Tables lists the registered table names in sorted order.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.kinds))
	for table := range r.kinds {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}
