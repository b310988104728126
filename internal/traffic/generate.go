// Package traffic writes and reads pcap files of IPv4 test traffic aimed at
// the prefixes of a routing table.
package traffic

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"fibtrie/internal/fib"
)

// Distribution selects how destinations are drawn.
type Distribution string

const (
	Uniform Distribution = "uniform"
	Zipf    Distribution = "zipf"
)

const snapLen = 1500

var payload = []byte("fibctl-test")

// GenOptions configures Generate.
type GenOptions struct {
	Packets int
	Dist    Distribution
	// ZipfS is the skew of the zipf distribution, > 1.
	ZipfS  float64
	SrcIP  netip.Addr
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	// Ports is the number of distinct UDP source ports cycled through, so
	// one destination yields several flows.
	Ports int
	Start time.Time
	Rand  *rand.Rand
}

func (o *GenOptions) setDefaults() {
	if o.Dist == "" {
		o.Dist = Uniform
	}
	if o.ZipfS == 0 {
		o.ZipfS = 1.5
	}
	if !o.SrcIP.IsValid() {
		o.SrcIP = netip.MustParseAddr("10.0.0.1")
	}
	if o.SrcMAC == nil {
		o.SrcMAC = net.HardwareAddr{0, 0, 0, 0, 0, 1}
	}
	if o.DstMAC == nil {
		o.DstMAC = net.HardwareAddr{0, 0, 0, 0, 0, 2}
	}
	if o.Ports <= 0 {
		o.Ports = 50000
	}
	if o.Start.IsZero() {
		o.Start = time.Now()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// FirstHost returns the first host address of p, e.g. 10.0.0.1 for
// 10.0.0.0/24. Host routes have no such address.
func FirstHost(p fib.Prefix) (netip.Addr, bool) {
	if p.Len >= fib.MaxPrefixLen {
		return netip.Addr{}, false
	}
	return fib.U32ToAddr(p.Addr + 1), true
}

// Targets picks up to n distinct destinations, one per randomly chosen
// prefix that has host addresses.
func Targets(prefixes []fib.Prefix, n int, rng *rand.Rand) []netip.Addr {
	var hosts []netip.Addr
	for _, p := range prefixes {
		if a, ok := FirstHost(p); ok {
			hosts = append(hosts, a)
		}
	}
	rng.Shuffle(len(hosts), func(i, j int) {
		hosts[i], hosts[j] = hosts[j], hosts[i]
	})
	if n < len(hosts) {
		hosts = hosts[:n]
	}
	return hosts
}

func sampler(opts *GenOptions, n int) (func() int, error) {
	switch opts.Dist {
	case Uniform:
		return func() int { return opts.Rand.Intn(n) }, nil
	case Zipf:
		if opts.ZipfS <= 1 {
			return nil, fmt.Errorf("zipf skew must be > 1, got %g", opts.ZipfS)
		}
		z := rand.NewZipf(opts.Rand, opts.ZipfS, 1.0, uint64(n-1))
		return func() int { return int(z.Uint64()) }, nil
	}
	return nil, fmt.Errorf("unknown distribution: %s (use 'uniform' or 'zipf')", opts.Dist)
}

// Generate writes opts.Packets UDP packets toward dsts as a pcap stream and
// returns the number of packets written.
func Generate(w io.Writer, dsts []netip.Addr, opts GenOptions) (int, error) {
	if len(dsts) == 0 {
		return 0, errors.New("no destinations")
	}
	if opts.Packets <= 0 {
		return 0, errors.New("packet count must be positive")
	}
	opts.setDefaults()
	if !opts.SrcIP.Is4() {
		return 0, fmt.Errorf("invalid source IP: %s", opts.SrcIP)
	}
	next, err := sampler(&opts, len(dsts))
	if err != nil {
		return 0, err
	}

	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return 0, fmt.Errorf("writing PCAP header: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	serialize := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	src := net.IP(opts.SrcIP.AsSlice())

	for i := 0; i < opts.Packets; i++ {
		dst := dsts[next()]

		eth := &layers.Ethernet{
			SrcMAC:       opts.SrcMAC,
			DstMAC:       opts.DstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src,
			DstIP:    net.IP(dst.AsSlice()),
		}
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(10000 + i%opts.Ports),
			DstPort: layers.UDPPort(9999),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return i, err
		}
		if err := gopacket.SerializeLayers(buf, serialize, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			return i, fmt.Errorf("serializing packet %d: %w", i, err)
		}

		ci := gopacket.CaptureInfo{
			Timestamp:     opts.Start.Add(time.Duration(i) * time.Microsecond),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := writer.WritePacket(ci, buf.Bytes()); err != nil {
			return i, fmt.Errorf("writing packet %d: %w", i, err)
		}
	}
	return opts.Packets, nil
}
