package fib

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-events"
	"github.com/sirupsen/logrus"

	"fibtrie/internal/log"
)

// Options tune every table created by a Manager.
type Options struct {
	// ReaderSlots bounds concurrent read sections per table.
	ReaderSlots int
	// MaxNodes caps the node store of each table; 0 means unlimited.
	MaxNodes int
	// SlabSize is the number of nodes allocated at once.
	SlabSize int
	// CacheSize is the lookup cache capacity per table.
	CacheSize int
	// CacheEnabled turns the lookup cache on for new tables.
	CacheEnabled bool
}

// Manager owns the routing tables and dispatches operations to them.
type Manager struct {
	opts   Options
	logger *logrus.Entry

	// mu serializes table creation and removal. Readers load tables
	// through the atomic map pointer only.
	mu     sync.Mutex
	tables atomic.Pointer[map[TableID]*Table]

	broadcast *events.Broadcaster
}

// NewManager creates a Manager with no tables.
func NewManager(ctx context.Context, opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		logger:    log.G(log.WithModule(ctx, "fib")),
		broadcast: events.NewBroadcaster(),
	}
	m.tables.Store(&map[TableID]*Table{})
	return m
}

// Table returns the table with the given id.
func (m *Manager) Table(id TableID) (*Table, bool) {
	t, ok := (*m.tables.Load())[id]
	return t, ok
}

// tableOrCreate returns the table, creating it on first reference.
func (m *Manager) tableOrCreate(id TableID) (*Table, error) {
	if t, ok := m.Table(id); ok {
		return t, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.tables.Load()
	if t, ok := cur[id]; ok {
		return t, nil
	}
	t, err := newTable(id, m.opts, m.logger, m.publish)
	if err != nil {
		return nil, fmt.Errorf("creating table %d: %w", id, err)
	}
	next := maps.Clone(cur)
	next[id] = t
	m.tables.Store(&next)

	m.logger.WithField("table", id).Debug("table created")
	return t, nil
}

// InsertRoute installs a route for prefix in table, replacing any route
// stored for the same prefix. Host bits of prefix are ignored.
func (m *Manager) InsertRoute(ctx context.Context, table TableID, prefix Prefix, nextHops []NextHop, metric uint32) error {
	p, err := NewPrefix(prefix.Addr, int(prefix.Len))
	if err != nil {
		return err
	}
	return m.Insert(ctx, &Route{Table: table, Prefix: p, NextHops: nextHops, Metric: metric})
}

// Insert installs a copy of r into r.Table.
func (m *Manager) Insert(ctx context.Context, r *Route) error {
	p, err := NewPrefix(r.Prefix.Addr, int(r.Prefix.Len))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	owned := r.clone()
	owned.Prefix = p
	for {
		t, err := m.tableOrCreate(r.Table)
		if err != nil {
			return err
		}
		// A table dropped while we waited for its writer slot is
		// replaced by a fresh one.
		if err := t.insert(ctx, owned); !errors.Is(err, errTableDropped) {
			return err
		}
	}
}

// DeleteRoute removes the route stored for prefix in table.
func (m *Manager) DeleteRoute(ctx context.Context, table TableID, prefix Prefix) error {
	p, err := NewPrefix(prefix.Addr, int(prefix.Len))
	if err != nil {
		return err
	}
	for {
		t, ok := m.Table(table)
		if !ok {
			return fmt.Errorf("%w: %s in table %d", ErrNotFound, p, table)
		}
		if err := t.delete(ctx, p); !errors.Is(err, errTableDropped) {
			return err
		}
	}
}

// Lookup returns the longest-prefix match for addr in table.
func (m *Manager) Lookup(table TableID, addr uint32) (*Route, bool) {
	t, ok := m.Table(table)
	if !ok {
		return nil, false
	}
	return t.Lookup(addr)
}

// LookupAddr is Lookup for a netip.Addr. Non-IPv4 addresses never match.
func (m *Manager) LookupAddr(table TableID, addr netip.Addr) (*Route, bool) {
	if !addr.Is4() {
		return nil, false
	}
	return m.Lookup(table, AddrToU32(addr))
}

// Get returns the route stored for exactly prefix.
func (m *Manager) Get(table TableID, prefix Prefix) (*Route, bool) {
	t, ok := m.Table(table)
	if !ok {
		return nil, false
	}
	return t.Get(prefix)
}

// Routes returns a lazy sequence over the routes of table in address order.
// Every range over it reads one point-in-time snapshot, so the sequence can
// be ranged over again to observe later changes.
func (m *Manager) Routes(table TableID) iter.Seq[*Route] {
	return func(yield func(*Route) bool) {
		t, ok := m.Table(table)
		if !ok {
			return
		}
		t.All(yield)
	}
}

// Snapshot opens a read-only view of table. Release it when done.
func (m *Manager) Snapshot(table TableID) (*Snapshot, error) {
	t, ok := m.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTableNotFound, table)
	}
	return t.Snapshot(), nil
}

// Tables returns the ids of all tables in ascending order.
func (m *Manager) Tables() []TableID {
	return slices.Sorted(maps.Keys(*m.tables.Load()))
}

// Len returns the number of routes in table.
func (m *Manager) Len(table TableID) int {
	t, ok := m.Table(table)
	if !ok {
		return 0
	}
	return t.Len()
}

// DropTable removes table and all its routes. Readers that already hold the
// table finish against its last snapshot.
func (m *Manager) DropTable(ctx context.Context, table TableID) error {
	for {
		t, ok := m.Table(table)
		if !ok {
			return fmt.Errorf("%w: %d", ErrTableNotFound, table)
		}
		err := t.drop(ctx, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			next := maps.Clone(*m.tables.Load())
			delete(next, table)
			m.tables.Store(&next)
		})
		if errors.Is(err, errTableDropped) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	m.logger.WithField("table", table).Info("table dropped")
	return nil
}

// Reset removes every route from every table. Tables stay allocated.
func (m *Manager) Reset(ctx context.Context) error {
	var errs []error
	for _, id := range m.Tables() {
		t, ok := m.Table(id)
		if !ok {
			continue
		}
		if err := t.clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clearing table %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Reclaim runs a reclamation pass on every table and returns the number of
// nodes released.
func (m *Manager) Reclaim() int {
	n := 0
	for _, t := range *m.tables.Load() {
		n += t.rec.Reclaim()
	}
	return n
}

// RunReclaimer reclaims all tables on every tick until ctx is done.
func (m *Manager) RunReclaimer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Reclaim()
			return nil
		case <-ticker.C:
			m.Reclaim()
		}
	}
}

// Close stops event delivery. Tables stay readable.
func (m *Manager) Close() error {
	return m.broadcast.Close()
}
