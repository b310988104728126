package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fibtrie/internal/fib"
	"fibtrie/internal/netutil"
)

var addCmd = &cobra.Command{
	Use:   "add <prefix/len> <next-hop> [dev <ifindex>] [weight <w>]...",
	Short: "Add a route to a route file",
	Long: `Add or replace a single route in a route file.

The arguments use the route file syntax, so multipath routes are written
as several "via" clauses. The file is created if it does not exist and
rewritten in address order.

Example:
  fibctl add -f routes.txt 10.0.0.0/8 192.168.1.1
  fibctl add -f routes.txt 172.16.0.0/12 via 192.168.1.2 weight 3 via 192.168.1.3`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := fib.ParseRoute(strings.Join(args, " "), table())
		if err != nil {
			return err
		}
		if resolveIfaces {
			if err := resolveRoute(r); err != nil {
				return err
			}
		}

		m, err := openRouteFile(ctx, routeFile)
		if err != nil {
			return err
		}
		defer m.Close()

		_, replaced := m.Get(r.Table, r.Prefix)
		if err := m.Insert(ctx, r); err != nil {
			return fmt.Errorf("adding route: %w", err)
		}
		if _, err := saveRouteFile(routeFile, allRoutes(m)); err != nil {
			return err
		}

		verb := "Added"
		if replaced {
			verb = "Replaced"
		}
		fmt.Printf("%s route: %s\n", verb, fib.FormatRoute(r))
		return nil
	},
}

// resolveRoute fills in missing output interfaces of r.
func resolveRoute(r *fib.Route) error {
	for i := range r.NextHops {
		nh := &r.NextHops[i]
		if nh.Interface != 0 || !nh.Gateway.IsValid() {
			continue
		}
		idx, err := netutil.ResolveInterface(nh.Gateway)
		if err != nil {
			return fmt.Errorf("resolving next-hop %s: %w", nh.Gateway, err)
		}
		nh.Interface = idx
	}
	return nil
}

func init() {
	addCmd.Flags().StringVarP(&routeFile, "file", "f", "routes.txt", "Route file to edit")
	rootCmd.AddCommand(addCmd)
}
