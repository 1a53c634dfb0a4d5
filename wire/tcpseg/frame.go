// Package tcpseg provides a zero-copy TCP header view, the segment
// queue that orders guest-originated data for the host socket, and the
// small set of state/flag types the TCP engine drives.
package tcpseg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/userspace-net/tunrelay/wire/crc"
)

const sizeHeader = 20

var errShort = errors.New("tcpseg: short buffer")

// NewFrame returns a Frame over buf. buf must be at least 20 bytes.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over a TCP segment's bytes.
type Frame struct {
	buf []byte
}

func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16          { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)      { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16     { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) { binary.BigEndian.PutUint16(f.buf[2:4], p) }

func (f Frame) Seq() crc.Seq     { return crc.Seq(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v crc.Seq) { binary.BigEndian.PutUint32(f.buf[4:8], uint32(v)) }
func (f Frame) Ack() crc.Seq     { return crc.Seq(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v crc.Seq) { binary.BigEndian.PutUint32(f.buf[8:12], uint32(v)) }

func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }
func (f Frame) CRC() uint16            { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetCRC(cs uint16)       { binary.BigEndian.PutUint16(f.buf[16:18], cs) }
func (f Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(f.buf[18:20], up) }

// Payload returns everything past the header, including options-adjusted offset.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Options returns the TCP option bytes.
func (f Frame) Options() []byte { return f.buf[sizeHeader:f.HeaderLength()] }

func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

// Segment returns the Segment view of this frame given its payload size.
func (f Frame) Segment(payloadSize int) Segment {
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     f.WindowSize(),
		DataLen: uint32(payloadSize),
		Flags:   flags,
	}
}

func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < sizeHeader || off > len(f.buf) {
		return errors.New("tcpseg: bad data offset")
	}
	return nil
}

func (f Frame) String() string {
	seg := f.Segment(len(f.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), seg.Flags)
}

// Segment is the sequence-space view of an incoming or outgoing TCP
// segment, independent of the wire encoding.
type Segment struct {
	SEQ     crc.Seq
	ACK     crc.Seq
	DataLen uint32
	WND     uint16
	Flags   Flags
}

// Len returns the segment's length in sequence-space octets, counting
// SYN and FIN as one octet each.
func (s Segment) Len() uint32 {
	n := s.DataLen
	if s.Flags.HasAny(FlagSYN) {
		n++
	}
	if s.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the segment's final octet.
func (s Segment) Last() crc.Seq {
	l := s.Len()
	if l == 0 {
		return s.SEQ
	}
	return s.SEQ.Add(l - 1)
}
