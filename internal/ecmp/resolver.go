// Package ecmp picks one next hop of a multipath route per flow.
package ecmp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"github.com/cespare/xxhash/v2"

	"fibtrie/internal/fib"
)

// FlowKey is the 5-tuple identifying a flow.
type FlowKey struct {
	Src     uint32
	Dst     uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// NewFlowKey builds a FlowKey from IPv4 addresses.
func NewFlowKey(src, dst netip.Addr, sport, dport uint16, proto uint8) FlowKey {
	return FlowKey{
		Src:     fib.AddrToU32(src),
		Dst:     fib.AddrToU32(dst),
		SrcPort: sport,
		DstPort: dport,
		Proto:   proto,
	}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d",
		fib.U32ToAddr(k.Src), k.SrcPort, fib.U32ToAddr(k.Dst), k.DstPort, k.Proto)
}

// Hash returns the 64-bit flow hash of k under seed.
func (k FlowKey) Hash(seed uint64) uint64 {
	var b [21]byte
	binary.BigEndian.PutUint64(b[0:], seed)
	binary.BigEndian.PutUint32(b[8:], k.Src)
	binary.BigEndian.PutUint32(b[12:], k.Dst)
	binary.BigEndian.PutUint16(b[16:], k.SrcPort)
	binary.BigEndian.PutUint16(b[18:], k.DstPort)
	b[20] = k.Proto
	return xxhash.Sum64(b[:])
}

// Mode selects how a flow hash is mapped onto next hops.
type Mode int

const (
	// ModeModulo maps hash mod the weight total onto cumulative weights.
	// Changing the next-hop set can move flows that stayed valid.
	ModeModulo Mode = iota
	// ModeRendezvous ranks next hops by weighted highest-random-weight.
	// Removing a next hop only moves the flows that used it.
	ModeRendezvous
)

// ParseMode parses "modulo" or "rendezvous".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "modulo":
		return ModeModulo, nil
	case "rendezvous", "hrw":
		return ModeRendezvous, nil
	}
	return 0, fmt.Errorf("unknown ECMP mode %q (use 'modulo' or 'rendezvous')", s)
}

func (m Mode) String() string {
	if m == ModeRendezvous {
		return "rendezvous"
	}
	return "modulo"
}

// Resolver selects next hops. The zero value uses ModeModulo with seed 0.
type Resolver struct {
	Mode Mode
	Seed uint64
}

func weight(nh fib.NextHop) uint64 {
	return uint64(nh.EffectiveWeight())
}

// Select returns the next hop of r that carries flow. The same flow always
// maps to the same next hop while r's next-hop set is unchanged.
func (res Resolver) Select(r *fib.Route, flow FlowKey) (fib.NextHop, bool) {
	if r == nil {
		return fib.NextHop{}, false
	}
	switch len(r.NextHops) {
	case 0:
		return fib.NextHop{}, false
	case 1:
		return r.NextHops[0], true
	}
	h := flow.Hash(res.Seed)
	if res.Mode == ModeRendezvous {
		return r.NextHops[rendezvous(r.NextHops, h)], true
	}
	return r.NextHops[modulo(r.NextHops, h)], true
}

func modulo(hops []fib.NextHop, h uint64) int {
	var total uint64
	for _, nh := range hops {
		total += weight(nh)
	}
	pick := h % total
	for i, nh := range hops {
		w := weight(nh)
		if pick < w {
			return i
		}
		pick -= w
	}
	return len(hops) - 1
}

// rendezvous scores each next hop with -w/ln(u), u uniform in (0,1) derived
// from the flow hash and the next hop identity; the highest score wins.
func rendezvous(hops []fib.NextHop, h uint64) int {
	best, bestScore := 0, math.Inf(-1)
	for i, nh := range hops {
		u := unitFloat(mix(h, hopID(nh)))
		score := -float64(weight(nh)) / math.Log(u)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func hopID(nh fib.NextHop) uint64 {
	var b [8]byte
	if nh.Gateway.Is4() {
		a := nh.Gateway.As4()
		copy(b[:4], a[:])
	}
	binary.BigEndian.PutUint32(b[4:], nh.Interface)
	return xxhash.Sum64(b[:])
}

// mix is the splitmix64 finalizer over the combined inputs.
func mix(a, b uint64) uint64 {
	z := a ^ (b + 0x9e3779b97f4a7c15 + (a << 6) + (a >> 2))
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// unitFloat maps v into the open interval (0, 1).
func unitFloat(v uint64) float64 {
	return (float64(v>>11) + 0.5) / (1 << 53)
}

// Lookuper is the data-plane side of the FIB.
type Lookuper interface {
	Lookup(table fib.TableID, addr uint32) (*fib.Route, bool)
}

// Forward looks up flow.Dst in table and selects the next hop for flow.
func (res Resolver) Forward(l Lookuper, table fib.TableID, flow FlowKey) (fib.NextHop, *fib.Route, bool) {
	r, ok := l.Lookup(table, flow.Dst)
	if !ok {
		return fib.NextHop{}, nil, false
	}
	nh, ok := res.Select(r, flow)
	return nh, r, ok
}
