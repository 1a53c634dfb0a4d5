// Package ipv4 provides a zero-copy view over an IPv4 header for the
// demultiplexer and the TCP/UDP framers.
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/userspace-net/tunrelay/wire/crc"
)

const sizeHeader = 20

// Protocol identifies the IP protocol number carried in the IPv4 header.
type Protocol uint8

const (
	ProtoICMP   Protocol = 1
	ProtoTCP    Protocol = 6
	ProtoUDP    Protocol = 17
	ProtoICMPv6 Protocol = 58
)

func (p Protocol) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMPv6:
		return "ICMPv6"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Flags holds the IPv4 flags+fragment-offset word.
type Flags uint16

const (
	FlagReserved Flags = 1 << 15
	FlagDontFrag Flags = 1 << 14
	FlagMoreFrag Flags = 1 << 13
)

// FragmentOffset returns the fragment offset in 8-byte units.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }

var (
	errShort  = errors.New("ipv4: short buffer")
	errBadTL  = errors.New("ipv4: bad total length")
	errBadIHL = errors.New("ipv4: bad IHL")
)

// NewFrame returns a Frame over buf. buf must be at least 20 bytes.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over an IPv4 packet's bytes.
type Frame struct {
	buf []byte
}

func (f Frame) RawData() []byte { return f.buf }

func (f Frame) ihl() uint8 { return f.buf[0] & 0xf }

func (f Frame) HeaderLength() int { return int(f.ihl()) * 4 }

func (f Frame) VersionAndIHL() (version, ihl uint8) { return f.buf[0] >> 4, f.buf[0] & 0xf }

func (f Frame) SetVersionAndIHL(version, ihl uint8) { f.buf[0] = version<<4 | ihl&0xf }

func (f Frame) TTL() uint8     { return f.buf[8] }
func (f Frame) SetTTL(v uint8) { f.buf[8] = v }

func (f Frame) TotalLength() uint16        { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetTotalLength(tl uint16)   { binary.BigEndian.PutUint16(f.buf[2:4], tl) }
func (f Frame) ID() uint16                 { return binary.BigEndian.Uint16(f.buf[4:6]) }
func (f Frame) SetID(id uint16)            { binary.BigEndian.PutUint16(f.buf[4:6], id) }
func (f Frame) Flags() Flags               { return Flags(binary.BigEndian.Uint16(f.buf[6:8])) }
func (f Frame) SetFlags(fl Flags)          { binary.BigEndian.PutUint16(f.buf[6:8], uint16(fl)) }
func (f Frame) Protocol() Protocol         { return Protocol(f.buf[9]) }
func (f Frame) SetProtocol(p Protocol)     { f.buf[9] = uint8(p) }
func (f Frame) CRC() uint16                { return binary.BigEndian.Uint16(f.buf[10:12]) }
func (f Frame) SetCRC(cs uint16)           { binary.BigEndian.PutUint16(f.buf[10:12], cs) }

// CalculateHeaderCRC computes the IPv4 header checksum (CRC field excluded).
func (f Frame) CalculateHeaderCRC() uint16 {
	var c crc.CRC791
	c.Write(f.buf[0:10])
	c.Write(f.buf[12:20])
	return c.Sum16()
}

// CRCWriteTCPPseudo writes the TCP pseudo-header fields into c.
func (f Frame) CRCWriteTCPPseudo(c *crc.CRC791) {
	c.Write(f.SourceAddr()[:])
	c.Write(f.DestinationAddr()[:])
	c.AddUint16(f.TotalLength() - 4*uint16(f.ihl()))
	c.AddUint16(uint16(f.Protocol()))
}

// CRCWriteUDPPseudo writes the UDP pseudo-header fields into c.
// udpLength is the UDP header+payload length: the pseudo-header carries
// it in addition to the copy inside the UDP header itself.
func (f Frame) CRCWriteUDPPseudo(c *crc.CRC791, udpLength uint16) {
	c.Write(f.SourceAddr()[:])
	c.Write(f.DestinationAddr()[:])
	c.AddUint16(uint16(f.Protocol()))
	c.AddUint16(udpLength)
}

func (f Frame) SourceAddr() *[4]byte      { return (*[4]byte)(f.buf[12:16]) }
func (f Frame) DestinationAddr() *[4]byte { return (*[4]byte)(f.buf[16:20]) }

// Payload returns the frame's payload per TotalLength.
func (f Frame) Payload() []byte {
	off := f.HeaderLength()
	l := f.TotalLength()
	return f.buf[off:l]
}

func (f Frame) Options() []byte {
	off := f.HeaderLength()
	return f.buf[sizeHeader:off]
}

func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

// ValidateSize checks TotalLength/IHL against the buffer's actual size.
func (f Frame) ValidateSize() error {
	ihl := f.ihl()
	tl := f.TotalLength()
	if tl < sizeHeader {
		return errBadTL
	}
	if int(tl) > len(f.buf) {
		return errShort
	}
	if ihl < 5 || int(ihl)*4 > int(tl) {
		return errBadIHL
	}
	return nil
}

func (f Frame) String() string {
	dst := netip.AddrFrom4(*f.DestinationAddr())
	src := netip.AddrFrom4(*f.SourceAddr())
	return fmt.Sprintf("IP %s SRC=%s DST=%s LEN=%d TTL=%d ID=%d", f.Protocol(), src, dst, f.TotalLength(), f.TTL(), f.ID())
}
