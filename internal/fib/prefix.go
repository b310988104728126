package fib

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
)

// MaxPrefixLen is the key width in bits.
const MaxPrefixLen = 32

// Prefix is an IPv4 prefix in canonical form: Addr holds the address in host
// order with every bit past Len cleared.
type Prefix struct {
	Addr uint32
	Len  uint8
}

// NewPrefix returns the canonical prefix of the given length covering addr.
func NewPrefix(addr uint32, length int) (Prefix, error) {
	if length < 0 || length > MaxPrefixLen {
		return Prefix{}, fmt.Errorf("%w: length %d", ErrInvalidPrefix, length)
	}
	return Prefix{Addr: addr & mask(uint8(length)), Len: uint8(length)}, nil
}

// MustPrefix is like ParsePrefix but panics on error. Intended for tests and
// static tables.
func MustPrefix(s string) Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePrefix parses an IPv4 CIDR such as "10.0.0.0/8". Host bits are masked.
func ParsePrefix(s string) (Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	return PrefixFrom(p)
}

// PrefixFrom converts a netip.Prefix. IPv6 prefixes are rejected.
func PrefixFrom(p netip.Prefix) (Prefix, error) {
	if !p.IsValid() || !p.Addr().Is4() {
		return Prefix{}, fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidPrefix, p)
	}
	return NewPrefix(AddrToU32(p.Addr()), p.Bits())
}

// Netip returns the prefix as a netip.Prefix.
func (p Prefix) Netip() netip.Prefix {
	return netip.PrefixFrom(U32ToAddr(p.Addr), int(p.Len))
}

// Contains reports whether addr falls inside p.
func (p Prefix) Contains(addr uint32) bool {
	return (addr^p.Addr)&mask(p.Len) == 0
}

// Covers reports whether o is equal to or more specific than p.
func (p Prefix) Covers(o Prefix) bool {
	return o.Len >= p.Len && p.Contains(o.Addr)
}

func (p Prefix) String() string {
	return p.Netip().String()
}

// mask returns the netmask for a prefix length.
func mask(length uint8) uint32 {
	if length == 0 {
		return 0
	}
	return ^uint32(0) << (MaxPrefixLen - length)
}

// bitAt returns bit pos of addr counting from the most significant bit.
// pos must be below MaxPrefixLen.
func bitAt(addr uint32, pos uint8) int {
	return int(addr>>(MaxPrefixLen-1-pos)) & 1
}

// commonLen is the length of the longest prefix shared by a and b, capped at limit.
func commonLen(a, b uint32, limit uint8) uint8 {
	n := uint8(bits.LeadingZeros32(a ^ b))
	if n > limit {
		return limit
	}
	return n
}

// AddrToU32 converts an IPv4 address to its host-order integer key.
// Other address families map to 0.
func AddrToU32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// U32ToAddr is the inverse of AddrToU32.
func U32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
