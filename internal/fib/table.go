package fib

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Table is one routing table: a trie with its node store, reclaimer and
// lookup cache. Mutations are serialized by a single-writer semaphore;
// lookups never wait for it.
type Table struct {
	id     TableID
	arena  *arena
	rec    *Reclaimer
	trie   *Trie
	cache  *lookupCache
	writer *semaphore.Weighted
	logger *logrus.Entry
	notify func(RouteEvent)

	// gen is bumped after every publish and tags cache entries.
	gen atomic.Uint64
	// dropped is set under the writer slot once the table has left the
	// manager. Writers that were waiting for the slot must not commit.
	dropped bool

	inserts   atomic.Uint64
	replaces  atomic.Uint64
	deletes   atomic.Uint64
	notFound  atomic.Uint64
	exhausted atomic.Uint64
}

func newTable(id TableID, opts Options, logger *logrus.Entry, notify func(RouteEvent)) (*Table, error) {
	logger = logger.WithField("table", id)
	a := newArena(opts.SlabSize, opts.MaxNodes)
	rec := newReclaimer(a, opts.ReaderSlots, logger)
	cache, err := newLookupCache(opts.CacheSize, opts.CacheEnabled)
	if err != nil {
		return nil, err
	}
	return &Table{
		id:     id,
		arena:  a,
		rec:    rec,
		trie:   newTrie(a, rec),
		cache:  cache,
		writer: semaphore.NewWeighted(1),
		logger: logger,
		notify: notify,
	}, nil
}

// ID returns the table identifier.
func (t *Table) ID() TableID {
	return t.id
}

// Reclaimer returns the table's epoch reclaimer.
func (t *Table) Reclaimer() *Reclaimer {
	return t.rec
}

// lock acquires the table's writer slot. It fails only if ctx is done first.
func (t *Table) lock(ctx context.Context) error {
	return t.writer.Acquire(ctx, 1)
}

func (t *Table) unlock() {
	t.writer.Release(1)
}

// insert adds or replaces r. r must already be owned by the table.
func (t *Table) insert(ctx context.Context, r *Route) error {
	if err := t.lock(ctx); err != nil {
		return err
	}
	defer t.unlock()
	if t.dropped {
		return errTableDropped
	}

	old, err := t.trie.Insert(ctx, r)
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			t.exhausted.Add(1)
		}
		return err
	}
	t.gen.Add(1)
	t.rec.Reclaim()

	ev := RouteEvent{Kind: RouteAdded, Table: t.id, Route: r, Old: old}
	if old != nil {
		ev.Kind = RouteReplaced
		t.replaces.Add(1)
	} else {
		t.inserts.Add(1)
	}
	t.logger.WithFields(logrus.Fields{"prefix": r.Prefix, "op": ev.Kind}).Debug("route committed")
	t.notify(ev)
	return nil
}

func (t *Table) delete(ctx context.Context, p Prefix) error {
	if err := t.lock(ctx); err != nil {
		return err
	}
	defer t.unlock()
	if t.dropped {
		return errTableDropped
	}

	old, err := t.trie.Delete(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.notFound.Add(1)
		}
		return err
	}
	t.gen.Add(1)
	t.rec.Reclaim()
	t.deletes.Add(1)

	t.logger.WithField("prefix", p).Debug("route deleted")
	t.notify(RouteEvent{Kind: RouteDeleted, Table: t.id, Old: old})
	return nil
}

// clear unlinks every route at once. Clearing a dropped table is a no-op.
func (t *Table) clear(ctx context.Context) error {
	if err := t.lock(ctx); err != nil {
		return err
	}
	defer t.unlock()

	if t.dropped {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.clearLocked()
	return nil
}

// drop calls unlink and clears the table while holding the writer slot, so
// no writer can commit to the table once it is unreachable.
func (t *Table) drop(ctx context.Context, unlink func()) error {
	if err := t.lock(ctx); err != nil {
		return err
	}
	defer t.unlock()

	if t.dropped {
		return errTableDropped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlink()
	t.dropped = true
	t.clearLocked()
	return nil
}

func (t *Table) clearLocked() {
	var nodes []*node
	collect(t.trie.root.Load(), &nodes)
	t.trie.root.Store(nil)
	t.rec.retire(nodes)
	n := t.trie.size.Swap(0)
	t.gen.Add(1)
	t.cache.invalidate()
	t.rec.Reclaim()

	t.logger.WithField("routes", n).Info("table cleared")
	t.notify(RouteEvent{Kind: TableCleared, Table: t.id})
}

func collect(n *node, out *[]*node) {
	if n == nil {
		return
	}
	*out = append(*out, n)
	collect(n.child[0], out)
	collect(n.child[1], out)
}

// Lookup returns the longest-prefix match for addr.
func (t *Table) Lookup(addr uint32) (*Route, bool) {
	if !t.cache.enabled.Load() {
		return t.trie.Lookup(addr)
	}
	gen := t.gen.Load()
	if r, ok := t.cache.get(addr, gen); ok {
		return r, r != nil
	}
	r, ok := t.trie.Lookup(addr)
	t.cache.add(addr, gen, r)
	return r, ok
}

// Get returns the route stored for exactly p.
func (t *Table) Get(p Prefix) (*Route, bool) {
	return t.trie.Get(p)
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	return t.trie.Len()
}

// Snapshot opens a consistent read-only view. Call Release when done.
func (t *Table) Snapshot() *Snapshot {
	return t.trie.Snapshot()
}

// All yields the table's routes in address order. Each range over the
// returned sequence reads one consistent snapshot.
func (t *Table) All(yield func(*Route) bool) {
	s := t.trie.Snapshot()
	defer s.Release()
	s.All(yield)
}

func (t *Table) String() string {
	return fmt.Sprintf("table %d (%d routes)", t.id, t.Len())
}
