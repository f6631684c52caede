// Package checksum computes 16-bit one's-complement Internet checksums.
package checksum

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// PseudoHeaderSize is the length of an encoded IPv4 pseudo-header.
const PseudoHeaderSize = 12

// Pseudo is the IPv4 pseudo-header covered by the TCP checksum. It is only
// ever encoded for a checksum computation.
type Pseudo struct {
	Src    netip.Addr
	Dst    netip.Addr
	Proto  uint8
	Length uint16
}

// Encode writes the pseudo-header in network byte order.
func (p Pseudo) Encode() [PseudoHeaderSize]byte {
	var b [PseudoHeaderSize]byte
	src := p.Src.As4()
	dst := p.Dst.As4()
	copy(b[0:4], src[:])
	copy(b[4:8], dst[:])
	b[9] = p.Proto
	binary.BigEndian.PutUint16(b[10:], p.Length)
	return b
}

// Checksum returns the complemented one's-complement sum of b. A buffer
// that already carries a correct checksum sums to zero.
func Checksum(b []byte) uint16 {
	return ^header.Checksum(b, 0)
}

// Checksum2 returns the checksum over the concatenation of a and b. a must
// have an even length.
func Checksum2(a, b []byte) uint16 {
	return ^header.Checksum(b, header.Checksum(a, 0))
}

// TCP returns the checksum of segment as carried between src and dst.
func TCP(src, dst netip.Addr, segment []byte) uint16 {
	ph := Pseudo{
		Src:    src,
		Dst:    dst,
		Proto:  uint8(header.TCPProtocolNumber),
		Length: uint16(len(segment)),
	}.Encode()
	return Checksum2(ph[:], segment)
}
