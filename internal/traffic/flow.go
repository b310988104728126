package traffic

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"fibtrie/internal/ecmp"
	"fibtrie/internal/fib"
)

// FlowFromPacket extracts the 5-tuple of an IPv4 packet. Ports stay zero for
// protocols other than TCP and UDP.
func FlowFromPacket(pkt gopacket.Packet) (ecmp.FlowKey, bool) {
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return ecmp.FlowKey{}, false
	}
	src, ok1 := netipFrom(ip.SrcIP)
	dst, ok2 := netipFrom(ip.DstIP)
	if !ok1 || !ok2 {
		return ecmp.FlowKey{}, false
	}
	key := ecmp.FlowKey{
		Src:   fib.AddrToU32(src),
		Dst:   fib.AddrToU32(dst),
		Proto: uint8(ip.Protocol),
	}
	switch l4 := pkt.TransportLayer().(type) {
	case *layers.TCP:
		key.SrcPort, key.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
	case *layers.UDP:
		key.SrcPort, key.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
	}
	return key, true
}

// ReadStats counts the packets of a pcap stream.
type ReadStats struct {
	Packets int
	// Skipped packets carried no IPv4 header.
	Skipped int
}

// ReadFlows decodes a pcap stream and calls fn with the flow of every IPv4
// packet. It stops at the first error fn returns.
func ReadFlows(rd io.Reader, fn func(ecmp.FlowKey) error) (ReadStats, error) {
	var st ReadStats
	r, err := pcapgo.NewReader(rd)
	if err != nil {
		return st, fmt.Errorf("reading PCAP header: %w", err)
	}
	decode := gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("reading packet %d: %w", st.Packets+1, err)
		}
		st.Packets++
		pkt := gopacket.NewPacket(data, r.LinkType(), decode)
		key, ok := FlowFromPacket(pkt)
		if !ok {
			st.Skipped++
			continue
		}
		if err := fn(key); err != nil {
			return st, err
		}
	}
}

func netipFrom(ip []byte) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	a = a.Unmap()
	return a, a.Is4()
}
