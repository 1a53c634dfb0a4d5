// Package udpseg provides a zero-copy view over a UDP datagram header.
package udpseg

import (
	"encoding/binary"
	"errors"
)

const sizeHeader = 8

var (
	errShort  = errors.New("udp: short buffer")
	errBadLen = errors.New("udp: bad length")
)

// NewFrame returns a Frame over buf. buf must be at least 8 bytes.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over a UDP datagram's bytes.
type Frame struct {
	buf []byte
}

func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16           { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)       { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16      { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16)  { binary.BigEndian.PutUint16(f.buf[2:4], p) }
func (f Frame) Length() uint16               { return binary.BigEndian.Uint16(f.buf[4:6]) }
func (f Frame) SetLength(l uint16)           { binary.BigEndian.PutUint16(f.buf[4:6], l) }
func (f Frame) CRC() uint16                  { return binary.BigEndian.Uint16(f.buf[6:8]) }
func (f Frame) SetCRC(cs uint16)             { binary.BigEndian.PutUint16(f.buf[6:8], cs) }

func (f Frame) Payload() []byte {
	l := f.Length()
	return f.buf[sizeHeader:l]
}

func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

func (f Frame) ValidateSize() error {
	l := f.Length()
	if l < sizeHeader {
		return errBadLen
	}
	if int(l) > len(f.buf) {
		return errShort
	}
	return nil
}
