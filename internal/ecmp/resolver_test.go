package ecmp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fibtrie/internal/fib"
)

func hops(weights ...uint32) []fib.NextHop {
	out := make([]fib.NextHop, len(weights))
	for i, w := range weights {
		out[i] = fib.NextHop{
			Gateway: netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)}),
			Weight:  w,
		}
	}
	return out
}

func flow(i int) FlowKey {
	return FlowKey{
		Src:     0x0a000000 | uint32(i),
		Dst:     0x0b000001,
		SrcPort: uint16(1024 + i%50000),
		DstPort: 80,
		Proto:   6,
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":           ModeModulo,
		"modulo":     ModeModulo,
		"rendezvous": ModeRendezvous,
		"hrw":        ModeRendezvous,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("random")
	assert.Error(t, err)
}

func TestSelectTrivial(t *testing.T) {
	var res Resolver
	_, ok := res.Select(nil, flow(0))
	assert.False(t, ok)
	_, ok = res.Select(&fib.Route{}, flow(0))
	assert.False(t, ok)

	r := &fib.Route{NextHops: hops(5)}
	nh, ok := res.Select(r, flow(0))
	require.True(t, ok)
	assert.Equal(t, r.NextHops[0], nh)
}

func TestSelectDeterministic(t *testing.T) {
	r := &fib.Route{NextHops: hops(1, 1, 1, 1)}
	for _, mode := range []Mode{ModeModulo, ModeRendezvous} {
		res := Resolver{Mode: mode, Seed: 42}
		for i := 0; i < 100; i++ {
			a, _ := res.Select(r, flow(i))
			b, _ := res.Select(r, flow(i))
			assert.Equal(t, a, b, "%s flow %d", mode, i)
		}
	}
}

func TestSelectWeights(t *testing.T) {
	const flows = 20000
	r := &fib.Route{NextHops: hops(1, 3, 0)}
	for _, mode := range []Mode{ModeModulo, ModeRendezvous} {
		t.Run(mode.String(), func(t *testing.T) {
			res := Resolver{Mode: mode}
			counts := make(map[netip.Addr]int)
			for i := 0; i < flows; i++ {
				nh, ok := res.Select(r, flow(i))
				require.True(t, ok)
				counts[nh.Gateway]++
			}
			// Weight 0 counts as 1: expected shares 1/5, 3/5, 1/5.
			share := func(i int) float64 {
				return float64(counts[r.NextHops[i].Gateway]) / flows
			}
			assert.InDelta(t, 0.2, share(0), 0.03)
			assert.InDelta(t, 0.6, share(1), 0.03)
			assert.InDelta(t, 0.2, share(2), 0.03)
		})
	}
}

func TestRendezvousStability(t *testing.T) {
	full := &fib.Route{NextHops: hops(1, 1, 1, 1)}
	reduced := &fib.Route{NextHops: append([]fib.NextHop{}, full.NextHops[:3]...)}
	removed := full.NextHops[3]

	res := Resolver{Mode: ModeRendezvous, Seed: 7}
	for i := 0; i < 5000; i++ {
		before, _ := res.Select(full, flow(i))
		after, _ := res.Select(reduced, flow(i))
		if before != removed {
			assert.Equal(t, before, after, "flow %d moved although its next hop stayed", i)
		}
	}
}

type staticLookup map[uint32]*fib.Route

func (s staticLookup) Lookup(_ fib.TableID, addr uint32) (*fib.Route, bool) {
	r, ok := s[addr]
	return r, ok
}

func TestForward(t *testing.T) {
	r := &fib.Route{Prefix: fib.MustPrefix("11.0.0.0/8"), NextHops: hops(1, 1)}
	l := staticLookup{0x0b000001: r}

	var res Resolver
	nh, got, ok := res.Forward(l, fib.MainTable, flow(1))
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Contains(t, r.NextHops, nh)

	miss := flow(1)
	miss.Dst = 0x0c000001
	_, _, ok = res.Forward(l, fib.MainTable, miss)
	assert.False(t, ok)
}

func TestFlowKeyString(t *testing.T) {
	k := NewFlowKey(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1234, 80, 17)
	assert.Equal(t, "10.0.0.1:1234->10.0.0.2:80/17", k.String())
	assert.NotEqual(t, k.Hash(0), k.Hash(1))
}
