package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fibtrie/internal/fib"
	"fibtrie/internal/traffic"
)

var (
	pcapFlowSize    int
	pcapPacketCount int
	pcapDist        string
	pcapSrcIP       string
	pcapSrcMAC      string
	pcapDstMAC      string
	pcapZipfS       float64
	pcapSeed        int64
)

var pcapGenCmd = &cobra.Command{
	Use:   "pcap-gen <fib-file> <output.pcap>",
	Short: "Generate a PCAP file based on FIB prefixes",
	Long: `Write a PCAP file of UDP packets aimed at the prefixes of a route file.

Up to --flow-size prefixes are drawn at random and each contributes its
first host address (10.0.0.0/24 yields 10.0.0.1). Packets pick their
destination from that set, uniformly or following a Zipf law (--dist zipf,
skew --zipf-s), and cycle through UDP source ports so one destination
carries several flows. Replay the result with "fibctl replay".

Example:
  fibctl pcap-gen routes.txt traffic.pcap --flow-size 1000 --packets 1000000
  fibctl pcap-gen routes.txt traffic.pcap --flow-size 100 --dist zipf --seed 7`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fibFile, outputFile := args[0], args[1]

		if pcapFlowSize <= 0 {
			return fmt.Errorf("--flow-size must be positive")
		}
		srcIP, err := netip.ParseAddr(pcapSrcIP)
		if err != nil {
			return fmt.Errorf("invalid source IP: %s", pcapSrcIP)
		}
		srcMAC, err := net.ParseMAC(pcapSrcMAC)
		if err != nil {
			return fmt.Errorf("invalid source MAC: %w", err)
		}
		dstMAC, err := net.ParseMAC(pcapDstMAC)
		if err != nil {
			return fmt.Errorf("invalid destination MAC: %w", err)
		}

		in, err := os.Open(fibFile)
		if err != nil {
			return fmt.Errorf("reading FIB: %w", err)
		}
		routes, err := fib.ReadRoutes(in, table())
		in.Close()
		if err != nil {
			return fmt.Errorf("reading FIB: %w", err)
		}
		prefixes := make([]fib.Prefix, len(routes))
		for i, r := range routes {
			prefixes[i] = r.Prefix
		}
		fmt.Printf("Loaded %d prefixes from %s\n", len(prefixes), fibFile)

		seed := pcapSeed
		if !cmd.Flags().Changed("seed") {
			seed = time.Now().UnixNano()
		}
		rng := rand.New(rand.NewSource(seed))
		dsts := traffic.Targets(prefixes, pcapFlowSize, rng)
		if len(dsts) == 0 {
			return fmt.Errorf("no prefixes with host addresses found in FIB file")
		}
		if len(dsts) < pcapFlowSize {
			fmt.Printf("Warning: flow-size %d > usable prefix count %d, using all prefixes\n",
				pcapFlowSize, len(dsts))
		}
		fmt.Printf("Selected %d destination IPs for traffic generation\n", len(dsts))

		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w := bufio.NewWriter(f)

		fmt.Printf("Generating %d packets with %s distribution...\n", pcapPacketCount, pcapDist)
		start := time.Now()
		n, err := traffic.Generate(w, dsts, traffic.GenOptions{
			Packets: pcapPacketCount,
			Dist:    traffic.Distribution(pcapDist),
			ZipfS:   pcapZipfS,
			SrcIP:   srcIP,
			SrcMAC:  srcMAC,
			DstMAC:  dstMAC,
			Start:   start,
			Rand:    rng,
		})
		if err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("writing %s: %w", outputFile, err)
		}

		elapsed := time.Since(start)
		fmt.Printf("Generated %d packets in %s (%.0f pps)\n", n, elapsed, float64(n)/elapsed.Seconds())
		fmt.Printf("Output: %s\n", outputFile)
		return nil
	},
}

func init() {
	pcapGenCmd.Flags().IntVar(&pcapFlowSize, "flow-size", 1000, "Distinct destination addresses to draw")
	pcapGenCmd.Flags().IntVar(&pcapPacketCount, "packets", 1000000, "Packets to write")
	pcapGenCmd.Flags().StringVar(&pcapDist, "dist", "uniform", "Distribution: uniform, zipf")
	pcapGenCmd.Flags().StringVar(&pcapSrcIP, "src-ip", "10.0.0.1", "IPv4 source address")
	pcapGenCmd.Flags().StringVar(&pcapSrcMAC, "src-mac", "00:00:00:00:00:01", "Ethernet source address")
	pcapGenCmd.Flags().StringVar(&pcapDstMAC, "dst-mac", "00:00:00:00:00:02", "Ethernet destination address")
	pcapGenCmd.Flags().Float64Var(&pcapZipfS, "zipf-s", 1.5, "Zipf skew, must exceed 1")
	pcapGenCmd.Flags().Int64Var(&pcapSeed, "seed", 0, "Random seed (default: time based)")
	rootCmd.AddCommand(pcapGenCmd)
}
