package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"fibtrie/internal/fib"
	"fibtrie/internal/log"
)

// RouteWriter is the control-plane side of the FIB.
type RouteWriter interface {
	Insert(ctx context.Context, r *fib.Route) error
	DeleteRoute(ctx context.Context, table fib.TableID, prefix fib.Prefix) error
}

// RouteFromNetlink converts a kernel route. It reports false for routes the
// FIB does not model: non-unicast types and non-IPv4 destinations.
func RouteFromNetlink(nr *netlink.Route) (*fib.Route, bool) {
	if nr.Type != 0 && nr.Type != unix.RTN_UNICAST {
		return nil, false
	}

	var p fib.Prefix
	if nr.Dst == nil {
		// Default route; the family is only visible through the gateways.
		if !hasV4Gateway(nr) {
			return nil, false
		}
	} else {
		ones, bits := nr.Dst.Mask.Size()
		if bits != 32 || nr.Dst.IP.To4() == nil {
			return nil, false
		}
		var err error
		if p, err = fib.NewPrefix(IPToU32(nr.Dst.IP), ones); err != nil {
			return nil, false
		}
	}

	r := &fib.Route{
		Table:  fib.TableID(nr.Table),
		Prefix: p,
		Metric: uint32(nr.Priority),
	}
	if r.Table == 0 {
		r.Table = fib.MainTable
	}

	if len(nr.MultiPath) == 0 {
		r.NextHops = []fib.NextHop{{
			Gateway:   gatewayAddr(nr.Gw),
			Interface: uint32(nr.LinkIndex),
		}}
		return r, true
	}
	for _, nh := range nr.MultiPath {
		r.NextHops = append(r.NextHops, fib.NextHop{
			Gateway:   gatewayAddr(nh.Gw),
			Interface: uint32(nh.LinkIndex),
			// rtnh_hops holds weight-1.
			Weight: uint32(nh.Hops) + 1,
		})
	}
	return r, true
}

func hasV4Gateway(nr *netlink.Route) bool {
	if nr.Gw != nil {
		return nr.Gw.To4() != nil
	}
	for _, nh := range nr.MultiPath {
		if nh.Gw != nil && nh.Gw.To4() != nil {
			return true
		}
	}
	return false
}

func gatewayAddr(ip net.IP) netip.Addr {
	if ip4 := ip.To4(); ip4 != nil {
		return netip.AddrFrom4([4]byte(ip4))
	}
	return netip.Addr{}
}

// KernelRoutes dumps the IPv4 routes of a kernel routing table.
func KernelRoutes(table fib.TableID) ([]*fib.Route, error) {
	filter := &netlink.Route{Table: int(table)}
	nrs, err := netlink.RouteListFiltered(netlink.FAMILY_V4, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("listing routes of table %d: %w", table, err)
	}
	routes := make([]*fib.Route, 0, len(nrs))
	for i := range nrs {
		if r, ok := RouteFromNetlink(&nrs[i]); ok {
			routes = append(routes, r)
		}
	}
	return routes, nil
}

// SyncKernelTable installs every IPv4 route of a kernel table into w and
// returns how many were installed.
func SyncKernelTable(ctx context.Context, w RouteWriter, table fib.TableID) (int, error) {
	routes, err := KernelRoutes(table)
	if err != nil {
		return 0, err
	}
	var count int
	for _, r := range routes {
		if err := w.Insert(ctx, r); err != nil {
			return count, fmt.Errorf("adding kernel route %s: %w", r.Prefix, err)
		}
		count++
	}
	log.G(ctx).WithFields(logrus.Fields{"table": table, "routes": count}).Info("kernel table synced")
	return count, nil
}

// ApplyRouteUpdate applies one netlink notification to w. Updates for
// tables outside tables (when non-empty) and unsupported routes are ignored.
func ApplyRouteUpdate(ctx context.Context, w RouteWriter, u netlink.RouteUpdate, tables []fib.TableID) error {
	r, ok := RouteFromNetlink(&u.Route)
	if !ok {
		return nil
	}
	if len(tables) > 0 && !slices.Contains(tables, r.Table) {
		return nil
	}

	logger := log.G(ctx).WithFields(logrus.Fields{"table": r.Table, "prefix": r.Prefix})
	switch u.Type {
	case unix.RTM_NEWROUTE:
		logger.Debug("kernel route added")
		return w.Insert(ctx, r)
	case unix.RTM_DELROUTE:
		err := w.DeleteRoute(ctx, r.Table, r.Prefix)
		if errors.Is(err, fib.ErrNotFound) {
			logger.Debug("kernel deleted a route we do not have")
			return nil
		}
		logger.Debug("kernel route deleted")
		return err
	}
	return nil
}

// WatchKernelRoutes subscribes to kernel route notifications, including the
// routes that exist at subscription time, and applies them to w until ctx is
// done.
func WatchKernelRoutes(ctx context.Context, w RouteWriter, tables []fib.TableID) error {
	ctx = log.WithModule(ctx, "kernel")

	updates := make(chan netlink.RouteUpdate, 256)
	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 1)
	opts := netlink.RouteSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}
	if err := netlink.RouteSubscribeWithOptions(updates, done, opts); err != nil {
		return fmt.Errorf("subscribing to route updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("route subscription: %w", err)
		case u, ok := <-updates:
			if !ok {
				return errors.New("route subscription closed")
			}
			if err := ApplyRouteUpdate(ctx, w, u, tables); err != nil {
				log.G(ctx).WithError(err).Warn("applying kernel route update")
			}
		}
	}
}
