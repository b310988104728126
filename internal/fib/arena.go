package fib

import (
	"fmt"
	"sync"
)

const defaultSlabSize = 1024

// node is a trie vertex. A node carries an optional route for its own prefix
// and up to two children that continue at bit prefix.Len. A node without a
// route always has two children. Once reachable from a published root a node
// is never written again until the reclaimer hands it back to the arena.
type node struct {
	prefix Prefix
	route  *Route
	child  [2]*node

	// gen counts how many times the slot has been recycled.
	gen   uint32
	freed bool
}

func (n *node) children() int {
	c := 0
	if n.child[0] != nil {
		c++
	}
	if n.child[1] != nil {
		c++
	}
	return c
}

// ArenaStats describes node store occupancy.
type ArenaStats struct {
	Live     int
	Free     int
	Capacity int
	Slabs    int
}

// arena hands out nodes from fixed-size slabs and recycles released nodes
// through a free list. It is shared by a table's writer and its reclaimer,
// never by readers.
type arena struct {
	mu       sync.Mutex
	slabSize int
	maxNodes int
	free     []*node
	live     int
	capacity int
	slabs    int
}

func newArena(slabSize, maxNodes int) *arena {
	if slabSize <= 0 {
		slabSize = defaultSlabSize
	}
	return &arena{slabSize: slabSize, maxNodes: maxNodes}
}

// alloc returns a zeroed node.
func (a *arena) alloc() (*node, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		if err := a.growLocked(); err != nil {
			return nil, err
		}
	}
	n := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	n.freed = false
	a.live++
	return n, nil
}

func (a *arena) growLocked() error {
	size := a.slabSize
	if a.maxNodes > 0 {
		if a.capacity >= a.maxNodes {
			return fmt.Errorf("%w: node store full (%d nodes)", ErrResourceExhausted, a.maxNodes)
		}
		size = min(size, a.maxNodes-a.capacity)
	}
	slab := make([]node, size)
	for i := range slab {
		a.free = append(a.free, &slab[i])
	}
	a.capacity += size
	a.slabs++
	return nil
}

// release poisons nodes and returns them to the free list. Callers guarantee
// that no reader can still reach them.
func (a *arena) release(nodes ...*node) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, n := range nodes {
		if n.freed {
			panic(fmt.Sprintf("fib: double release of node %s", n.prefix))
		}
		*n = node{gen: n.gen + 1, freed: true}
		a.free = append(a.free, n)
		a.live--
	}
}

func (a *arena) stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArenaStats{
		Live:     a.live,
		Free:     len(a.free),
		Capacity: a.capacity,
		Slabs:    a.slabs,
	}
}
