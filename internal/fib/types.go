// Package fib implements a concurrent IPv4 forwarding table: a path-compressed
// binary trie with lock-free longest-prefix-match lookups, copy-on-write
// updates and epoch-based node reclamation.
package fib

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// TableID identifies a routing table (VRF).
type TableID uint32

// Well-known table identifiers, numbered like the Linux kernel's.
const (
	MainTable  TableID = 254
	LocalTable TableID = 255
)

var (
	// ErrInvalidPrefix is returned for prefix lengths outside 0..32 or
	// keys that are not IPv4.
	ErrInvalidPrefix = errors.New("invalid prefix")
	// ErrResourceExhausted is returned when the node store cannot allocate
	// the nodes needed by a mutation. The table is left unchanged.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNotFound is returned when deleting a prefix that is not present.
	ErrNotFound = errors.New("route not found")
	// ErrTableNotFound is returned by table-level operations on unknown tables.
	ErrTableNotFound = errors.New("table not found")

	// errTableDropped tells a writer that its table left the manager while
	// it waited; the caller looks the table up again.
	errTableDropped = errors.New("table dropped")
)

// NextHop is one forwarding alternative of a route.
type NextHop struct {
	Gateway   netip.Addr
	Interface uint32
	Weight    uint32
}

// EffectiveWeight is the share of traffic nh carries; weight 0 counts as 1.
func (nh NextHop) EffectiveWeight() uint32 {
	return max(nh.Weight, 1)
}

func (nh NextHop) String() string {
	var b strings.Builder
	if nh.Gateway.IsValid() {
		fmt.Fprintf(&b, "via %s", nh.Gateway)
	}
	if nh.Interface != 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "dev %d", nh.Interface)
	}
	if nh.Weight > 1 {
		fmt.Fprintf(&b, " weight %d", nh.Weight)
	}
	return b.String()
}

// Route is a forwarding entry. Routes handed out by the table are shared with
// concurrent readers and must be treated as read-only.
type Route struct {
	Table    TableID
	Prefix   Prefix
	NextHops []NextHop
	Metric   uint32
}

// clone returns a deep copy so the caller's slice can't alias a published route.
func (r *Route) clone() *Route {
	c := *r
	c.NextHops = slices.Clone(r.NextHops)
	return &c
}

// Equal reports whether two routes carry the same forwarding information.
func (r *Route) Equal(o *Route) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Table == o.Table && r.Prefix == o.Prefix && r.Metric == o.Metric &&
		slices.Equal(r.NextHops, o.NextHops)
}

func (r *Route) String() string {
	return FormatRoute(r)
}
