// Package bpfmap mirrors a FIB table into a pinned BPF LPM trie map so an
// XDP program can forward on it.
package bpfmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"fibtrie/internal/fib"
	"fibtrie/internal/log"
	"fibtrie/internal/netutil"
)

// MapName is the name the LPM map is pinned under.
const MapName = "fib_trie"

// DefaultMaxEntries is the LPM map capacity used when none is configured.
const DefaultMaxEntries = 1 << 20

// Key matches struct lpm_key in the BPF program.
type Key struct {
	Prefixlen uint32
	Addr      [4]byte // Network byte order.
}

// Value matches struct fwd_info in the BPF program.
type Value struct {
	NextHop [4]byte // Network byte order.
	Ifindex uint32
	SrcMac  [6]byte
	DstMac  [6]byte
}

// KeyFor returns the LPM key of p.
func KeyFor(p fib.Prefix) Key {
	a := fib.U32ToAddr(p.Addr).As4()
	return Key{Prefixlen: uint32(p.Len), Addr: a}
}

// Prefix converts k back into a prefix.
func (k Key) Prefix() (fib.Prefix, error) {
	return fib.NewPrefix(binary.BigEndian.Uint32(k.Addr[:]), int(k.Prefixlen))
}

// ValueFor converts resolved forwarding information into a map value.
func ValueFor(fwd *netutil.FwdInfo) Value {
	v := Value{Ifindex: fwd.Ifindex, SrcMac: fwd.SrcMac, DstMac: fwd.DstMac}
	if fwd.NextHop.Is4() {
		v.NextHop = fwd.NextHop.As4()
	}
	return v
}

// Primary returns the next hop exported for r: the heaviest one, the first
// on ties, with weight 0 counting as 1. The map holds a single next hop per
// prefix.
func Primary(r *fib.Route) (fib.NextHop, bool) {
	if len(r.NextHops) == 0 {
		return fib.NextHop{}, false
	}
	best := r.NextHops[0]
	for _, nh := range r.NextHops[1:] {
		if nh.EffectiveWeight() > best.EffectiveWeight() {
			best = nh
		}
	}
	return best, true
}

// Store is the key/value side of an LPM map.
type Store interface {
	Put(Key, Value) error
	Delete(Key) error
	Keys() ([]Key, error)
	Close() error
}

// MapStore is a Store backed by a BPF map.
type MapStore struct {
	m *ebpf.Map
}

// Open creates the LPM map pinned under pinPath, or reuses a compatible map
// already pinned there.
func Open(pinPath string, maxEntries uint32) (*MapStore, error) {
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(pinPath, 0755); err != nil {
		return nil, fmt.Errorf("creating pin path: %w", err)
	}
	spec := &ebpf.MapSpec{
		Name:       MapName,
		Type:       ebpf.LPMTrie,
		KeySize:    8,
		ValueSize:  20,
		MaxEntries: maxEntries,
		Flags:      unix.BPF_F_NO_PREALLOC,
		Pinning:    ebpf.PinByName,
	}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: pinPath})
	if err != nil {
		return nil, fmt.Errorf("creating pinned %s: %w", MapName, err)
	}
	return &MapStore{m: m}, nil
}

func (s *MapStore) Put(k Key, v Value) error {
	return s.m.Update(k, v, ebpf.UpdateAny)
}

func (s *MapStore) Delete(k Key) error {
	if err := s.m.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

func (s *MapStore) Keys() ([]Key, error) {
	var (
		keys []Key
		k    Key
		v    Value
	)
	it := s.m.Iterate()
	for it.Next(&k, &v) {
		keys = append(keys, k)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", MapName, err)
	}
	return keys, nil
}

func (s *MapStore) Close() error {
	return s.m.Close()
}

// ResolveFunc turns a next hop into link-layer forwarding information.
type ResolveFunc func(fib.NextHop) (*netutil.FwdInfo, error)

// SyncResult counts what one Sync did.
type SyncResult struct {
	Updated   int
	Unchanged int
	Deleted   int
	Failed    int
}

func (r SyncResult) String() string {
	return fmt.Sprintf("%d updated, %d unchanged, %d deleted, %d unresolved",
		r.Updated, r.Unchanged, r.Deleted, r.Failed)
}

// Exporter keeps a Store in line with a route set. It is not safe for
// concurrent use.
type Exporter struct {
	store   Store
	resolve ResolveFunc
	written map[Key]Value
}

// NewExporter returns an exporter writing to store.
func NewExporter(store Store, resolve ResolveFunc) *Exporter {
	return &Exporter{
		store:   store,
		resolve: resolve,
		written: make(map[Key]Value),
	}
}

// Sync writes every route of routes into the store and deletes keys that no
// longer have a route. Routes whose next hop cannot be resolved are left out
// of the map, so lookups fall back to a covering prefix.
func (e *Exporter) Sync(ctx context.Context, routes iter.Seq[*fib.Route]) (SyncResult, error) {
	var res SyncResult
	logger := log.G(log.WithModule(ctx, "bpfmap"))

	want := make(map[Key]Value)
	for r := range routes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		nh, ok := Primary(r)
		if !ok {
			continue
		}
		fwd, err := e.resolve(nh)
		if err != nil {
			res.Failed++
			logger.WithFields(logrus.Fields{"prefix": r.Prefix, "error": err}).Warn("skipping unresolved route")
			continue
		}
		want[KeyFor(r.Prefix)] = ValueFor(fwd)
	}

	for k, v := range want {
		if old, ok := e.written[k]; ok && old == v {
			res.Unchanged++
			continue
		}
		if err := e.store.Put(k, v); err != nil {
			return res, fmt.Errorf("updating %s: %w", formatKey(k), err)
		}
		e.written[k] = v
		res.Updated++
	}

	// Keys come from the store so entries left by an earlier run go too.
	keys, err := e.store.Keys()
	if err != nil {
		return res, err
	}
	for _, k := range keys {
		if _, ok := want[k]; ok {
			continue
		}
		if err := e.store.Delete(k); err != nil {
			return res, fmt.Errorf("deleting %s: %w", formatKey(k), err)
		}
		delete(e.written, k)
		res.Deleted++
	}

	logger.WithField("result", res.String()).Debug("map synced")
	return res, nil
}

// Close closes the underlying store.
func (e *Exporter) Close() error {
	return e.store.Close()
}

func formatKey(k Key) string {
	p, err := k.Prefix()
	if err != nil {
		return fmt.Sprintf("%v/%d", k.Addr, k.Prefixlen)
	}
	return p.String()
}
