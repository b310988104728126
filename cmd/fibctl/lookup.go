package main

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"fibtrie/internal/ecmp"
	"fibtrie/internal/fib"
)

var (
	lookupSrc   string
	lookupSport uint16
	lookupDport uint16
	lookupProto uint8
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <addr>...",
	Short: "Longest-prefix-match lookup with ECMP next-hop selection",
	Long: `Load the configured routes and look up each destination address.

For multipath routes the next hop is selected from the flow 5-tuple made of
the flags below and the destination, using the configured ECMP mode.

Example:
  fibctl lookup -r routes.txt 10.1.2.3 192.168.1.1 --src 10.0.0.1 --sport 4000`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := netip.ParseAddr(lookupSrc)
		if err != nil || !src.Is4() {
			return fmt.Errorf("invalid source IP: %s", lookupSrc)
		}
		dsts := make([]netip.Addr, len(args))
		for i, a := range args {
			if dsts[i], err = netip.ParseAddr(a); err != nil || !dsts[i].Is4() {
				return fmt.Errorf("invalid IPv4 address: %s", a)
			}
		}

		m, err := loadManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		res := cfg.Resolver()
		for _, dst := range dsts {
			flow := ecmp.NewFlowKey(src, dst, lookupSport, lookupDport, lookupProto)
			nh, r, ok := res.Forward(m, table(), flow)
			if !ok {
				fmt.Printf("%s: no route\n", dst)
				continue
			}
			fmt.Printf("%s: %s\n", dst, fib.FormatRoute(r))
			if len(r.NextHops) > 1 {
				fmt.Printf("  flow %s -> %s (%s)\n", flow, nh, res.Mode)
			}
		}
		return nil
	},
}

func init() {
	lookupCmd.Flags().StringVar(&lookupSrc, "src", "10.0.0.1", "Flow source address")
	lookupCmd.Flags().Uint16Var(&lookupSport, "sport", 10000, "Flow source port")
	lookupCmd.Flags().Uint16Var(&lookupDport, "dport", 9999, "Flow destination port")
	lookupCmd.Flags().Uint8Var(&lookupProto, "proto", 17, "Flow IP protocol number")
	rootCmd.AddCommand(lookupCmd)
}
