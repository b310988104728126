package fib

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultReaderSlots is the number of concurrent read sections a reclaimer
// tracks before readers start yielding to wait for a free slot.
const DefaultReaderSlots = 256

// ReadToken is returned by EnterRead and must be passed to ExitRead.
type ReadToken struct {
	slot  uint32
	epoch uint64
}

// Epoch reports the epoch the reader announced on entry.
func (t ReadToken) Epoch() uint64 {
	return t.epoch
}

// readerSlot is padded to a cache line. Besides the announced epoch it holds
// lookup counters, written only by the slot's current holder and summed by
// stats readers.
type readerSlot struct {
	// epoch is 0 while the slot is idle.
	epoch   atomic.Uint64
	lookups atomic.Uint64
	matched atomic.Uint64
	_       [40]byte
}

type retiredBatch struct {
	epoch uint64
	nodes []*node
}

// Reclaimer defers the release of unlinked trie nodes until every read
// section that could still observe them has ended.
//
// Readers announce the global epoch in a slot on entry. Writers retire nodes
// after publishing the root that no longer references them; the batch is
// tagged with the current epoch, which is then advanced. A batch is released
// once its tag is strictly less than the oldest announced epoch.
type Reclaimer struct {
	epoch atomic.Uint64
	slots []readerSlot
	hint  atomic.Uint32

	mu       sync.Mutex
	pending  []retiredBatch
	npending int

	arena  *arena
	logger *logrus.Entry

	retired atomic.Uint64
	freed   atomic.Uint64
}

func newReclaimer(a *arena, slots int, logger *logrus.Entry) *Reclaimer {
	if slots <= 0 {
		slots = DefaultReaderSlots
	}
	r := &Reclaimer{
		slots:  make([]readerSlot, slots),
		arena:  a,
		logger: logger,
	}
	r.epoch.Store(1)
	return r
}

// EnterRead starts a read section. It never takes a lock; when every slot is
// in use it yields and retries.
func (r *Reclaimer) EnterRead() ReadToken {
	n := uint32(len(r.slots))
	start := r.hint.Add(1)
	for {
		for i := uint32(0); i < n; i++ {
			idx := (start + i) % n
			s := &r.slots[idx]
			if s.epoch.Load() != 0 {
				continue
			}
			e := r.epoch.Load()
			if s.epoch.CompareAndSwap(0, e) {
				return ReadToken{slot: idx, epoch: e}
			}
		}
		runtime.Gosched()
	}
}

// ExitRead ends the read section identified by t.
func (r *Reclaimer) ExitRead(t ReadToken) {
	if t.epoch == 0 || !r.slots[t.slot].epoch.CompareAndSwap(t.epoch, 0) {
		panic("fib: ExitRead with an inactive token")
	}
}

// count records a lookup made inside the read section t.
func (r *Reclaimer) count(t ReadToken, matched bool) {
	s := &r.slots[t.slot]
	s.lookups.Add(1)
	if matched {
		s.matched.Add(1)
	}
}

// lookupCounts sums the per-slot lookup counters.
func (r *Reclaimer) lookupCounts() (lookups, matched uint64) {
	for i := range r.slots {
		lookups += r.slots[i].lookups.Load()
		matched += r.slots[i].matched.Load()
	}
	return lookups, matched
}

// retire hands unlinked nodes over to the reclaimer. The root that stopped
// referencing them must already be published.
func (r *Reclaimer) retire(nodes []*node) {
	if len(nodes) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, retiredBatch{epoch: r.epoch.Load(), nodes: nodes})
	r.npending += len(nodes)
	r.mu.Unlock()

	r.retired.Add(uint64(len(nodes)))
	r.epoch.Add(1)
}

// minActive returns the oldest epoch announced by an active reader, or the
// current epoch when there is none.
func (r *Reclaimer) minActive() uint64 {
	m := r.epoch.Load()
	for i := range r.slots {
		if e := r.slots[i].epoch.Load(); e != 0 && e < m {
			m = e
		}
	}
	return m
}

// Reclaim releases every retired batch that no active reader can observe and
// returns the number of nodes released.
func (r *Reclaimer) Reclaim() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return 0
	}

	safe := r.minActive()
	i, freed := 0, 0
	for ; i < len(r.pending) && r.pending[i].epoch < safe; i++ {
		r.arena.release(r.pending[i].nodes...)
		freed += len(r.pending[i].nodes)
		r.pending[i] = retiredBatch{}
	}
	r.pending = r.pending[i:]
	r.npending -= freed
	r.freed.Add(uint64(freed))

	if freed > 0 && r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"freed":   freed,
			"pending": r.npending,
			"epoch":   safe,
		}).Trace("reclaimed retired nodes")
	}
	return freed
}

// Pending returns the number of retired nodes not yet released.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.npending
}

// Epoch returns the current global epoch.
func (r *Reclaimer) Epoch() uint64 {
	return r.epoch.Load()
}

// ActiveReaders counts read sections in progress.
func (r *Reclaimer) ActiveReaders() int {
	c := 0
	for i := range r.slots {
		if r.slots[i].epoch.Load() != 0 {
			c++
		}
	}
	return c
}
