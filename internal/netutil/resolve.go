// Package netutil talks to the kernel over netlink: it resolves next hops to
// interfaces and link-layer addresses and mirrors kernel routing tables into
// the FIB.
package netutil

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"fibtrie/internal/fib"
	"fibtrie/internal/log"
)

// FwdInfo contains link-layer forwarding information for a next hop.
type FwdInfo struct {
	NextHop netip.Addr
	Ifindex uint32
	SrcMac  [6]byte
	DstMac  [6]byte
}

const (
	arpRetries  = 10
	arpInterval = 200 * time.Millisecond
)

// ResolveInterface returns the index of the interface the kernel would use
// to reach gw.
func ResolveInterface(gw netip.Addr) (uint32, error) {
	if !gw.Is4() {
		return 0, fmt.Errorf("invalid IPv4 address %s", gw)
	}
	routes, err := netlink.RouteGet(net.IP(gw.AsSlice()))
	if err != nil {
		return 0, fmt.Errorf("route lookup for %s: %w", gw, err)
	}
	if len(routes) == 0 {
		return 0, fmt.Errorf("no route to %s", gw)
	}
	return uint32(routes[0].LinkIndex), nil
}

// ResolveNextHop resolves a next hop to full forwarding information:
// output interface, interface MAC and, via the neighbor table, the next
// hop's MAC. A zero ifindex is looked up with ResolveInterface.
func ResolveNextHop(gw netip.Addr, ifindex uint32) (*FwdInfo, error) {
	if ifindex == 0 {
		var err error
		if ifindex, err = ResolveInterface(gw); err != nil {
			return nil, err
		}
	}

	link, err := netlink.LinkByIndex(int(ifindex))
	if err != nil {
		return nil, fmt.Errorf("getting interface %d: %w", ifindex, err)
	}
	srcMAC := link.Attrs().HardwareAddr
	if len(srcMAC) != 6 {
		return nil, fmt.Errorf("invalid interface MAC on %s", link.Attrs().Name)
	}

	dstMAC, err := resolveARP(gw, int(ifindex))
	if err != nil {
		return nil, fmt.Errorf("ARP resolution for %s: %w", gw, err)
	}

	fwd := &FwdInfo{NextHop: gw, Ifindex: ifindex}
	copy(fwd.SrcMac[:], srcMAC)
	copy(fwd.DstMac[:], dstMAC)
	return fwd, nil
}

// resolveARP finds ip in the neighbor table of ifindex, prodding the kernel
// to resolve it when absent.
func resolveARP(ip netip.Addr, ifindex int) (net.HardwareAddr, error) {
	if mac, err := lookupNeigh(ip, ifindex); err != nil || mac != nil {
		return mac, err
	}

	// An incomplete entry makes the kernel send an ARP request.
	neigh := &netlink.Neigh{
		LinkIndex: ifindex,
		IP:        net.IP(ip.AsSlice()),
		State:     netlink.NUD_INCOMPLETE,
	}
	if err := netlink.NeighAdd(neigh); err != nil {
		log.L.WithError(err).WithField("neighbor", ip).Debug("could not trigger ARP resolution")
	}

	for i := 0; i < arpRetries; i++ {
		time.Sleep(arpInterval)
		mac, err := lookupNeigh(ip, ifindex)
		if err != nil {
			continue
		}
		if mac != nil {
			return mac, nil
		}
	}
	return nil, fmt.Errorf("ARP resolution timeout for %s", ip)
}

func lookupNeigh(ip netip.Addr, ifindex int) (net.HardwareAddr, error) {
	neighs, err := netlink.NeighList(ifindex, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing neighbors: %w", err)
	}
	target := net.IP(ip.AsSlice())
	for _, n := range neighs {
		if !n.IP.Equal(target) || len(n.HardwareAddr) != 6 {
			continue
		}
		if n.State&(netlink.NUD_REACHABLE|netlink.NUD_PERMANENT|netlink.NUD_STALE) != 0 {
			return n.HardwareAddr, nil
		}
	}
	return nil, nil
}

// CachingResolver memoizes ResolveNextHop per gateway and interface, so a
// table with many routes over few next hops resolves each of them once.
type CachingResolver struct {
	mu    sync.Mutex
	cache map[resolveKey]*FwdInfo
	// resolve is ResolveNextHop outside of tests.
	resolve func(netip.Addr, uint32) (*FwdInfo, error)
}

type resolveKey struct {
	gw      netip.Addr
	ifindex uint32
}

// NewCachingResolver returns an empty resolver cache.
func NewCachingResolver() *CachingResolver {
	return &CachingResolver{
		cache:   make(map[resolveKey]*FwdInfo),
		resolve: ResolveNextHop,
	}
}

// Resolve returns forwarding information for nh. Failures are not cached.
func (c *CachingResolver) Resolve(nh fib.NextHop) (*FwdInfo, error) {
	if !nh.Gateway.IsValid() {
		// Directly connected: there is no neighbor to resolve.
		if nh.Interface == 0 {
			return nil, fmt.Errorf("next hop has neither gateway nor interface")
		}
		return &FwdInfo{Ifindex: nh.Interface}, nil
	}
	key := resolveKey{gw: nh.Gateway, ifindex: nh.Interface}

	c.mu.Lock()
	defer c.mu.Unlock()

	if fwd, ok := c.cache[key]; ok {
		return fwd, nil
	}
	fwd, err := c.resolve(nh.Gateway, nh.Interface)
	if err != nil {
		log.L.WithFields(logrus.Fields{"next-hop": nh.Gateway, "error": err}).Debug("next-hop resolution failed")
		return nil, err
	}
	c.cache[key] = fwd
	return fwd, nil
}

// Forget drops every cached entry, e.g. after neighbor changes.
func (c *CachingResolver) Forget() {
	c.mu.Lock()
	clear(c.cache)
	c.mu.Unlock()
}

// IPToU32 converts an IPv4 address to uint32 in network byte order.
func IPToU32(ip net.IP) uint32 {
	ip = ip.To4()
	if ip == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip)
}
