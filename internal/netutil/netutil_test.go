package netutil

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"fibtrie/internal/fib"
)

func cidr(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func TestRouteFromNetlink(t *testing.T) {
	r, ok := RouteFromNetlink(&netlink.Route{
		Dst:       cidr("10.1.0.0/16"),
		Gw:        net.ParseIP("192.0.2.1"),
		LinkIndex: 3,
		Priority:  100,
		Table:     unix.RT_TABLE_MAIN,
		Type:      unix.RTN_UNICAST,
	})
	require.True(t, ok)
	assert.Equal(t, "10.1.0.0/16 via 192.0.2.1 dev 3 metric 100", r.String())
	assert.Equal(t, fib.MainTable, r.Table)

	// Multipath, custom table. rtnh_hops is weight-1.
	r, ok = RouteFromNetlink(&netlink.Route{
		Dst:   cidr("172.16.0.0/12"),
		Table: 100,
		MultiPath: []*netlink.NexthopInfo{
			{LinkIndex: 2, Gw: net.ParseIP("192.0.2.1"), Hops: 0},
			{LinkIndex: 3, Gw: net.ParseIP("192.0.2.2"), Hops: 2},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "172.16.0.0/12 via 192.0.2.1 dev 2 weight 1 via 192.0.2.2 dev 3 weight 3 table 100", r.String())

	// Connected route without gateway.
	r, ok = RouteFromNetlink(&netlink.Route{Dst: cidr("192.168.1.0/24"), LinkIndex: 4})
	require.True(t, ok)
	assert.Equal(t, "192.168.1.0/24 dev 4", r.String())

	// Default route.
	r, ok = RouteFromNetlink(&netlink.Route{Gw: net.ParseIP("192.0.2.254"), LinkIndex: 2})
	require.True(t, ok)
	assert.Equal(t, fib.MustPrefix("0.0.0.0/0"), r.Prefix)
}

func TestRouteFromNetlinkSkips(t *testing.T) {
	for name, nr := range map[string]*netlink.Route{
		"v6":            {Dst: cidr("2001:db8::/32"), LinkIndex: 2},
		"v6 default":    {Gw: net.ParseIP("fe80::1"), LinkIndex: 2},
		"no gw default": {LinkIndex: 2},
		"blackhole":     {Dst: cidr("10.0.0.0/8"), Type: unix.RTN_BLACKHOLE},
		"local":         {Dst: cidr("127.0.0.1/32"), Type: unix.RTN_LOCAL},
	} {
		_, ok := RouteFromNetlink(nr)
		assert.False(t, ok, name)
	}
}

func TestApplyRouteUpdate(t *testing.T) {
	ctx := context.Background()
	m := fib.NewManager(ctx, fib.Options{})
	defer m.Close()

	add := netlink.RouteUpdate{Type: unix.RTM_NEWROUTE, Route: netlink.Route{
		Dst: cidr("10.0.0.0/8"), Gw: net.ParseIP("192.0.2.1"), LinkIndex: 2, Table: unix.RT_TABLE_MAIN,
	}}
	require.NoError(t, ApplyRouteUpdate(ctx, m, add, []fib.TableID{fib.MainTable}))
	r, ok := m.LookupAddr(fib.MainTable, netip.MustParseAddr("10.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, uint32(2), r.NextHops[0].Interface)

	// Filtered table.
	other := add
	other.Route.Table = 100
	require.NoError(t, ApplyRouteUpdate(ctx, m, other, []fib.TableID{fib.MainTable}))
	assert.Equal(t, 0, m.Len(100))

	del := add
	del.Type = unix.RTM_DELROUTE
	require.NoError(t, ApplyRouteUpdate(ctx, m, del, nil))
	assert.Equal(t, 0, m.Len(fib.MainTable))

	// Deleting twice is not an error.
	require.NoError(t, ApplyRouteUpdate(ctx, m, del, nil))
}

func TestCachingResolver(t *testing.T) {
	calls := 0
	c := NewCachingResolver()
	c.resolve = func(gw netip.Addr, ifindex uint32) (*FwdInfo, error) {
		calls++
		if gw == netip.MustParseAddr("192.0.2.99") {
			return nil, errors.New("no neighbor")
		}
		return &FwdInfo{NextHop: gw, Ifindex: 7, DstMac: [6]byte{2, 0, 0, 0, 0, 1}}, nil
	}

	nh := fib.NextHop{Gateway: netip.MustParseAddr("192.0.2.1")}
	fwd, err := c.Resolve(nh)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), fwd.Ifindex)
	_, err = c.Resolve(nh)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	bad := fib.NextHop{Gateway: netip.MustParseAddr("192.0.2.99")}
	_, err = c.Resolve(bad)
	assert.Error(t, err)
	_, err = c.Resolve(bad)
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "failures are not cached")

	fwd, err = c.Resolve(fib.NextHop{Interface: 4})
	require.NoError(t, err)
	assert.Equal(t, &FwdInfo{Ifindex: 4}, fwd)
	_, err = c.Resolve(fib.NextHop{})
	assert.Error(t, err)

	c.Forget()
	_, err = c.Resolve(nh)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestIPToU32(t *testing.T) {
	assert.Equal(t, uint32(0xc0000201), IPToU32(net.ParseIP("192.0.2.1")))
	assert.Equal(t, uint32(0), IPToU32(net.ParseIP("2001:db8::1")))
}
