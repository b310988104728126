package fib

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// txn collects the effects of one copy-on-write mutation. Nothing it builds
// is visible to readers until the new root is published.
type txn struct {
	arena   *arena
	fresh   []*node
	retired []*node
	old     *Route
}

func (x *txn) newNode(p Prefix, r *Route, c0, c1 *node) (*node, error) {
	n, err := x.arena.alloc()
	if err != nil {
		return nil, err
	}
	n.prefix, n.route, n.child = p, r, [2]*node{c0, c1}
	x.fresh = append(x.fresh, n)
	return n, nil
}

// replace builds a copy of n with the given route and children and unlinks n.
func (x *txn) replace(n *node, r *Route, c0, c1 *node) (*node, error) {
	c, err := x.newNode(n.prefix, r, c0, c1)
	if err != nil {
		return nil, err
	}
	x.retired = append(x.retired, n)
	return c, nil
}

// abort returns the unpublished nodes to the arena.
func (x *txn) abort() {
	x.arena.release(x.fresh...)
	x.fresh, x.retired, x.old = nil, nil, nil
}

// insert returns the subtree replacing n once r is added.
func (x *txn) insert(n *node, r *Route) (*node, error) {
	p := r.Prefix
	if n == nil {
		return x.newNode(p, r, nil, nil)
	}

	np := n.prefix
	switch {
	case np == p:
		x.old = n.route
		return x.replace(n, r, n.child[0], n.child[1])

	case np.Covers(p):
		b := bitAt(p.Addr, np.Len)
		c, err := x.insert(n.child[b], r)
		if err != nil {
			return nil, err
		}
		ch := n.child
		ch[b] = c
		return x.replace(n, n.route, ch[0], ch[1])

	case p.Covers(np):
		// The new prefix sits above n; n is shared as is.
		var ch [2]*node
		ch[bitAt(np.Addr, p.Len)] = n
		return x.newNode(p, r, ch[0], ch[1])

	default:
		l := commonLen(np.Addr, p.Addr, min(np.Len, p.Len))
		leaf, err := x.newNode(p, r, nil, nil)
		if err != nil {
			return nil, err
		}
		var ch [2]*node
		ch[bitAt(np.Addr, l)] = n
		ch[bitAt(p.Addr, l)] = leaf
		return x.newNode(Prefix{Addr: p.Addr & mask(l), Len: l}, nil, ch[0], ch[1])
	}
}

// delete returns the subtree replacing n once p is removed. A nil subtree
// with a nil error means n became empty.
func (x *txn) delete(n *node, p Prefix) (*node, error) {
	if n == nil || !n.prefix.Covers(p) {
		return nil, ErrNotFound
	}

	if n.prefix == p {
		if n.route == nil {
			return nil, ErrNotFound
		}
		x.old = n.route
		if n.child[0] != nil && n.child[1] != nil {
			return x.replace(n, nil, n.child[0], n.child[1])
		}
		// At most one child left: the node is no longer needed.
		x.retired = append(x.retired, n)
		if n.child[0] != nil {
			return n.child[0], nil
		}
		return n.child[1], nil
	}

	b := bitAt(p.Addr, n.prefix.Len)
	c, err := x.delete(n.child[b], p)
	if err != nil {
		return nil, err
	}
	if c == nil && n.route == nil {
		// Branch node left with a single child: splice it out.
		x.retired = append(x.retired, n)
		return n.child[1-b], nil
	}
	ch := n.child
	ch[b] = c
	return x.replace(n, n.route, ch[0], ch[1])
}

// lookup walks a snapshot and returns the longest matching route.
func lookup(n *node, addr uint32) *Route {
	var best *Route
	for n != nil && n.prefix.Contains(addr) {
		if n.route != nil {
			best = n.route
		}
		if n.prefix.Len == MaxPrefixLen {
			break
		}
		n = n.child[bitAt(addr, n.prefix.Len)]
	}
	return best
}

// exact returns the route stored for exactly p.
func exact(n *node, p Prefix) *Route {
	for n != nil && n.prefix.Covers(p) {
		if n.prefix == p {
			return n.route
		}
		n = n.child[bitAt(p.Addr, n.prefix.Len)]
	}
	return nil
}

// walk yields routes in pre-order: by address, shorter prefixes first.
func walk(n *node, yield func(*Route) bool) bool {
	if n == nil {
		return true
	}
	if n.route != nil && !yield(n.route) {
		return false
	}
	return walk(n.child[0], yield) && walk(n.child[1], yield)
}

// Trie is a copy-on-write path-compressed binary trie. Lookups may run
// concurrently with one writer; writers must be serialized by the caller.
type Trie struct {
	root  atomic.Pointer[node]
	arena *arena
	rec   *Reclaimer
	size  atomic.Int64
}

func newTrie(a *arena, rec *Reclaimer) *Trie {
	return &Trie{arena: a, rec: rec}
}

// Insert adds r or replaces the route stored for r.Prefix and returns the
// replaced route, if any. ctx is checked before the new root is published.
func (t *Trie) Insert(ctx context.Context, r *Route) (*Route, error) {
	if r.Prefix.Len > MaxPrefixLen || r.Prefix.Addr&^mask(r.Prefix.Len) != 0 {
		return nil, fmt.Errorf("%w: %s is not canonical", ErrInvalidPrefix, r.Prefix)
	}
	x, root, err := t.build(func(x *txn) (*node, error) {
		return x.insert(t.root.Load(), r)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		x.abort()
		return nil, err
	}
	t.publish(x, root)
	if x.old == nil {
		t.size.Add(1)
	}
	return x.old, nil
}

// Delete removes the route stored for p and returns it.
func (t *Trie) Delete(ctx context.Context, p Prefix) (*Route, error) {
	x, root, err := t.build(func(x *txn) (*node, error) {
		return x.delete(t.root.Load(), p)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		x.abort()
		return nil, err
	}
	t.publish(x, root)
	t.size.Add(-1)
	return x.old, nil
}

// build runs fn in a fresh transaction. When the arena is exhausted while
// retired nodes are still pending, it reclaims once and retries.
func (t *Trie) build(fn func(*txn) (*node, error)) (*txn, *node, error) {
	for attempt := 0; ; attempt++ {
		x := &txn{arena: t.arena}
		root, err := fn(x)
		if err == nil {
			return x, root, nil
		}
		x.abort()
		if attempt == 0 && errors.Is(err, ErrResourceExhausted) && t.rec.Reclaim() > 0 {
			continue
		}
		return nil, nil, err
	}
}

func (t *Trie) publish(x *txn, root *node) {
	t.root.Store(root)
	t.rec.retire(x.retired)
}

// Lookup returns the longest-prefix match for addr.
func (t *Trie) Lookup(addr uint32) (*Route, bool) {
	tok := t.rec.EnterRead()
	r := lookup(t.root.Load(), addr)
	t.rec.count(tok, r != nil)
	t.rec.ExitRead(tok)
	return r, r != nil
}

// Get returns the route stored for exactly p.
func (t *Trie) Get(p Prefix) (*Route, bool) {
	tok := t.rec.EnterRead()
	r := exact(t.root.Load(), p)
	t.rec.ExitRead(tok)
	return r, r != nil
}

// Len returns the number of routes.
func (t *Trie) Len() int {
	return int(t.size.Load())
}

// Snapshot opens a read section pinned to the current root.
func (t *Trie) Snapshot() *Snapshot {
	tok := t.rec.EnterRead()
	return &Snapshot{rec: t.rec, tok: tok, root: t.root.Load(), size: t.Len()}
}

// Snapshot is a consistent, read-only view of a trie. Nodes it references are
// kept alive until Release.
type Snapshot struct {
	rec      *Reclaimer
	tok      ReadToken
	root     *node
	size     int
	released bool
}

// Lookup returns the longest-prefix match for addr within the snapshot.
func (s *Snapshot) Lookup(addr uint32) (*Route, bool) {
	r := lookup(s.root, addr)
	return r, r != nil
}

// All yields every route of the snapshot in address order.
func (s *Snapshot) All(yield func(*Route) bool) {
	walk(s.root, yield)
}

// Len returns the approximate route count at the time the snapshot was taken.
func (s *Snapshot) Len() int {
	return s.size
}

// Release ends the read section. The snapshot must not be used afterwards.
func (s *Snapshot) Release() {
	if s == nil || s.released || s.rec == nil {
		return
	}
	s.released = true
	s.root = nil
	s.rec.ExitRead(s.tok)
}
