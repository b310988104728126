package fib

import (
	"cmp"
	"slices"
)

// goldTable is a slow slice-backed route table used as the reference for
// randomized trie tests.
type goldTable []*Route

func (g *goldTable) insert(r *Route) {
	for i, item := range *g {
		if item.Prefix == r.Prefix {
			(*g)[i] = r
			return
		}
	}
	*g = append(*g, r)
}

func (g *goldTable) delete(p Prefix) bool {
	for i, item := range *g {
		if item.Prefix == p {
			*g = slices.Delete(*g, i, i+1)
			return true
		}
	}
	return false
}

func (g goldTable) lookup(addr uint32) (*Route, bool) {
	var best *Route
	for _, item := range g {
		if item.Prefix.Contains(addr) && (best == nil || item.Prefix.Len > best.Prefix.Len) {
			best = item
		}
	}
	return best, best != nil
}

// sorted returns the prefixes ordered by address, shorter prefixes first.
func (g goldTable) sorted() []Prefix {
	out := make([]Prefix, len(g))
	for i, item := range g {
		out[i] = item.Prefix
	}
	slices.SortFunc(out, func(a, b Prefix) int {
		if c := cmp.Compare(a.Addr, b.Addr); c != 0 {
			return c
		}
		return cmp.Compare(a.Len, b.Len)
	})
	return out
}
