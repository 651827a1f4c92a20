package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

// Variant is one of the closed set of task kinds the registry can resolve rows into.
type Variant interface {
	Kind() Kind
	Tables() []string
	resolve(ctx context.Context, r *Registry, row *dbevent.Row) (Task, error)
}

// Registry maps table names to variants and holds every variant's pending tasks.
// All merge-or-create decisions run under its lock.
type Registry struct {
	clock clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	variants map[string]Variant
	pending  map[Kind]map[string]Task
}

// NewRegistry creates an empty registry. A nil clock uses wall time.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:    clk,
		log:      log.WithComponent("task-registry"),
		variants: make(map[string]Variant),
		pending:  make(map[Kind]map[string]Task),
	}
}

// Register binds every table the variant handles. A table registered twice
// is bound to the latest variant.
func (r *Registry) Register(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, table := range v.Tables() {
		r.variants[table] = v
	}
	if _, ok := r.pending[v.Kind()]; !ok {
		r.pending[v.Kind()] = make(map[string]Task)
	}
}

// Resolve returns the task responsible for row. It returns nil with no error
// when the row needs no work: unregistered tables, cancelled images and
// filtered rows.
func (r *Registry) Resolve(ctx context.Context, row *dbevent.Row) (Task, error) {
	r.mu.Lock()
	v, ok := r.variants[row.TableName]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("no registered task for table", "table", row.TableName, "row_id", row.ID)
		return nil, nil
	}

	t, err := v.resolve(ctx, r, row)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", row, err)
	}
	return t, nil
}

// Tables lists the registered table names.
func (r *Registry) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tables := make([]string, 0, len(r.variants))
	for t := range r.variants {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Pending returns a snapshot of the non-terminal tasks of one kind.
func (r *Registry) Pending(kind Kind) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.pending[kind]))
	for _, t := range r.pending[kind] {
		out = append(out, t)
	}
	return out
}

// PendingCounts returns the number of pending tasks per kind.
func (r *Registry) PendingCounts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, len(r.pending))
	for k, m := range r.pending {
		out[k] = len(m)
	}
	return out
}

// lookupLocked requires the registry lock.
func (r *Registry) lookupLocked(kind Kind, key string) (Task, bool) {
	t, ok := r.pending[kind][key]
	return t, ok
}

// addLocked requires the registry lock.
func (r *Registry) addLocked(t Task, key string) {
	m, ok := r.pending[t.Kind()]
	if !ok {
		m = make(map[string]Task)
		r.pending[t.Kind()] = m
	}
	m[key] = t
}

// dropLocked requires the registry lock.
func (r *Registry) dropLocked(t Task) {
	m := r.pending[t.Kind()]
	for key, pending := range m {
		if pending == t {
			delete(m, key)
			return
		}
	}
}

func (r *Registry) drop(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(t)
}
