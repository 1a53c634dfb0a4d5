// Package ipv6 provides a zero-copy view over an IPv6 header and the
// extension-header walk needed to reach the transport-layer header.
package ipv6

import (
	"encoding/binary"
	"errors"

	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/ipv4"
)

const sizeHeader = 40

var errShortFrame = errors.New("ipv6: short frame")

// NewFrame returns a Frame over buf. buf must be at least 40 bytes.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over an IPv6 packet's bytes.
type Frame struct {
	buf []byte
}

func (f Frame) RawData() []byte { return f.buf }

// VersionTrafficAndFlow returns the header's version (should be 6),
// traffic class, and 20-bit flow label packed into the first word.
func (f Frame) VersionTrafficAndFlow() (version, trafficClass uint8, flowLabel uint32) {
	v := binary.BigEndian.Uint32(f.buf[0:4])
	return uint8(v >> 28), uint8(v >> 20), v & 0xfffff
}

// SetVersionTrafficAndFlow packs version, traffic class, and flow label
// into the header's first word.
func (f Frame) SetVersionTrafficAndFlow(version, trafficClass uint8, flowLabel uint32) {
	v := uint32(version&0xf)<<28 | uint32(trafficClass)<<20 | flowLabel&0xfffff
	binary.BigEndian.PutUint32(f.buf[0:4], v)
}

func (f Frame) PayloadLength() uint16      { return binary.BigEndian.Uint16(f.buf[4:6]) }
func (f Frame) SetPayloadLength(pl uint16) { binary.BigEndian.PutUint16(f.buf[4:6], pl) }
func (f Frame) NextHeader() ipv4.Protocol  { return ipv4.Protocol(f.buf[6]) }
func (f Frame) SetNextHeader(p ipv4.Protocol) { f.buf[6] = uint8(p) }
func (f Frame) HopLimit() uint8            { return f.buf[7] }
func (f Frame) SetHopLimit(h uint8)        { f.buf[7] = h }
func (f Frame) SourceAddr() *[16]byte      { return (*[16]byte)(f.buf[8:24]) }
func (f Frame) DestinationAddr() *[16]byte { return (*[16]byte)(f.buf[24:40]) }

func (f Frame) Payload() []byte {
	pl := f.PayloadLength()
	return f.buf[sizeHeader : sizeHeader+int(pl)]
}

func (f Frame) CRCWritePseudo(c *crc.CRC791) {
	c.Write(f.SourceAddr()[:])
	c.Write(f.DestinationAddr()[:])
	c.AddUint32(uint32(f.PayloadLength()))
	c.AddUint32(uint32(f.NextHeader()))
}

func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

func (f Frame) ValidateSize() error {
	if int(f.PayloadLength())+sizeHeader > len(f.buf) {
		return errShortFrame
	}
	return nil
}

// isLowerLayer protocol numbers precede the upper-layer (transport)
// header and must be skipped to reach it: hop-by-hop, routing, fragment,
// ESP, AH, destination options, mobility.
func isLowerLayer(p ipv4.Protocol) bool {
	switch uint8(p) {
	case 0, 43, 44, 50, 51, 60, 135:
		return true
	default:
		return false
	}
}

// extHeaderLen returns the length in bytes of an extension header whose
// next-header/length byte pair begins at payload[0:2]. Fragment headers
// are a fixed 8 bytes; ESP has no parseable length and is reported as 0
// meaning the walk cannot continue past it. All other extension headers
// encode length in 8-byte units (excluding the first 8 bytes) in their
// second octet, per RFC 8200 §4.
func extHeaderLen(proto ipv4.Protocol, payload []byte) (n int, ok bool) {
	switch uint8(proto) {
	case 44: // fragment header: fixed size, no length field
		if len(payload) < 8 {
			return 0, false
		}
		return 8, true
	case 50: // ESP: opaque, cannot walk further
		return 0, false
	default:
		if len(payload) < 2 {
			return 0, false
		}
		return (int(payload[1]) + 1) * 8, true
	}
}

// NextTransportHeader walks the IPv6 extension-header chain starting at
// f.NextHeader() and returns the protocol number and payload offset of
// the first upper-layer (transport) header found. If the walk cannot
// proceed (a header it cannot parse the length of, most commonly an ESP
// header, or a chain running past the payload), it reverts to the
// immediate next header: it returns f.NextHeader() with offset 0.
func (f Frame) NextTransportHeader() (proto ipv4.Protocol, offset int) {
	proto = f.NextHeader()
	payload := f.Payload()
	offset = 0
	for isLowerLayer(proto) {
		n, ok := extHeaderLen(proto, payload[offset:])
		if !ok || offset+2 > len(payload) {
			return f.NextHeader(), 0
		}
		next := ipv4.Protocol(payload[offset])
		if offset+n > len(payload) {
			return f.NextHeader(), 0
		}
		offset += n
		proto = next
	}
	return proto, offset
}
