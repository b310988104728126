package fib

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseRoute parses one route line:
//
//	<prefix/len> [via] <gw> [dev <ifindex>] [weight <w>] ... [metric <m>] [table <id>]
//
// A line may list several next hops. Each gateway starts a new one; a next
// hop without gateway is started by "nexthop", as in
// "10.0.0.0/8 nexthop dev 3 nexthop dev 4". Lines without "table" go to
// table.
func ParseRoute(line string, table TableID) (*Route, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty route")
	}
	p, err := ParsePrefix(fields[0])
	if err != nil {
		return nil, err
	}
	r := &Route{Table: table, Prefix: p}

	// open is set right after "nexthop"; a gateway following it belongs
	// to that next hop.
	var open bool
	addGateway := func(gw netip.Addr, fill bool) {
		if fill {
			r.NextHops[len(r.NextHops)-1].Gateway = gw
			return
		}
		r.NextHops = append(r.NextHops, NextHop{Gateway: gw})
	}
	// cur is the next hop that dev/weight apply to.
	cur := func() *NextHop {
		if len(r.NextHops) == 0 {
			r.NextHops = append(r.NextHops, NextHop{})
		}
		return &r.NextHops[len(r.NextHops)-1]
	}

	for i := 1; i < len(fields); i++ {
		tok := fields[i]
		afterNexthop := open
		open = false
		switch tok {
		case "via", "dev", "weight", "metric", "table":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("%q needs an argument", tok)
			}
		}

		switch tok {
		case "nexthop":
			r.NextHops = append(r.NextHops, NextHop{})
			open = true
		case "via":
			i++
			gw, err := parseGateway(fields[i])
			if err != nil {
				return nil, err
			}
			addGateway(gw, afterNexthop)
		case "dev":
			i++
			v, err := parseUint(tok, fields[i])
			if err != nil {
				return nil, err
			}
			cur().Interface = v
		case "weight":
			i++
			v, err := parseUint(tok, fields[i])
			if err != nil {
				return nil, err
			}
			cur().Weight = v
		case "metric":
			i++
			v, err := parseUint(tok, fields[i])
			if err != nil {
				return nil, err
			}
			r.Metric = v
		case "table":
			i++
			v, err := parseUint(tok, fields[i])
			if err != nil {
				return nil, err
			}
			r.Table = TableID(v)
		default:
			gw, err := parseGateway(tok)
			if err != nil {
				return nil, fmt.Errorf("unexpected token %q", tok)
			}
			addGateway(gw, afterNexthop)
		}
	}
	return r, nil
}

func parseGateway(s string) (netip.Addr, error) {
	gw, err := netip.ParseAddr(s)
	if err != nil || !gw.Is4() {
		return netip.Addr{}, fmt.Errorf("parsing next-hop %s: not an IPv4 address", s)
	}
	return gw, nil
}

func parseUint(field, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, s, err)
	}
	return uint32(v), nil
}

// FormatRoute renders r in the form accepted by ParseRoute.
func FormatRoute(r *Route) string {
	var b strings.Builder
	b.WriteString(r.Prefix.String())
	for _, nh := range r.NextHops {
		switch {
		case nh.Gateway.IsValid():
			fmt.Fprintf(&b, " via %s", nh.Gateway)
		case len(r.NextHops) > 1:
			b.WriteString(" nexthop")
		}
		if nh.Interface != 0 {
			fmt.Fprintf(&b, " dev %d", nh.Interface)
		}
		if nh.Weight != 0 {
			fmt.Fprintf(&b, " weight %d", nh.Weight)
		}
	}
	if r.Metric != 0 {
		fmt.Fprintf(&b, " metric %d", r.Metric)
	}
	if r.Table != MainTable {
		fmt.Fprintf(&b, " table %d", r.Table)
	}
	return b.String()
}

// ReadRoutes parses a route file. Blank lines and lines starting with # are
// skipped.
func ReadRoutes(rd io.Reader, table TableID) ([]*Route, error) {
	var routes []*Route
	scanner := bufio.NewScanner(rd)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := ParseRoute(line, table)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		routes = append(routes, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning routes: %w", err)
	}
	return routes, nil
}

// WriteRoutes writes routes one per line and returns how many were written.
func WriteRoutes(w io.Writer, routes iter.Seq[*Route]) (int, error) {
	bw := bufio.NewWriter(w)
	var count int
	for r := range routes {
		if _, err := fmt.Fprintln(bw, FormatRoute(r)); err != nil {
			return count, err
		}
		count++
	}
	return count, bw.Flush()
}

// ImportOptions control ImportRoutes.
type ImportOptions struct {
	// Table receives routes whose line names no table.
	Table TableID
	// ResolveInterface, when set, fills in the output interface of next
	// hops that have a gateway but no dev.
	ResolveInterface func(netip.Addr) (uint32, error)
}

// ImportRoutes reads routes from rd and installs them. It returns the number
// of routes installed before the first error.
func (m *Manager) ImportRoutes(ctx context.Context, rd io.Reader, opts ImportOptions) (int, error) {
	if opts.Table == 0 {
		opts.Table = MainTable
	}
	routes, err := ReadRoutes(rd, opts.Table)
	if err != nil {
		return 0, err
	}

	if opts.ResolveInterface != nil {
		if err := resolveInterfaces(routes, opts.ResolveInterface); err != nil {
			return 0, err
		}
	}

	start := time.Now()
	var count int
	for _, r := range routes {
		if err := m.Insert(ctx, r); err != nil {
			return count, fmt.Errorf("adding route %s: %w", r.Prefix, err)
		}
		count++

		if count%10000 == 0 {
			m.logger.WithField("routes", count).Info("importing routes")
		}
	}
	m.logger.WithField("routes", count).WithField("elapsed", time.Since(start)).Debug("import done")
	return count, nil
}

// resolveInterfaces resolves each distinct gateway once.
func resolveInterfaces(routes []*Route, resolve func(netip.Addr) (uint32, error)) error {
	ifindex := make(map[netip.Addr]uint32)
	for _, r := range routes {
		for i := range r.NextHops {
			nh := &r.NextHops[i]
			if nh.Interface != 0 || !nh.Gateway.IsValid() {
				continue
			}
			idx, ok := ifindex[nh.Gateway]
			if !ok {
				var err error
				if idx, err = resolve(nh.Gateway); err != nil {
					return fmt.Errorf("resolving next-hop %s: %w", nh.Gateway, err)
				}
				ifindex[nh.Gateway] = idx
			}
			nh.Interface = idx
		}
	}
	return nil
}

// ImportFile is ImportRoutes for a file on disk.
func (m *Manager) ImportFile(ctx context.Context, filename string, opts ImportOptions) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	return m.ImportRoutes(ctx, file, opts)
}
