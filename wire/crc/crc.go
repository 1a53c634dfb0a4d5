// Package crc implements the RFC 791 Internet checksum used by IPv4, TCP
// and UDP, plus the wraparound-safe 32-bit sequence arithmetic the TCP
// engine needs to compare segment sequence numbers across the wrap.
package crc

import "encoding/binary"

// CRC791 is a running ones'-complement checksum accumulator as defined by
// RFC 791. The zero value is ready to use.
type CRC791 struct {
	sum uint32
}

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	return ^uint16(sum + sum>>16)
}

func checksumWriteEven(sum uint32, buf []byte) uint32 {
	for i := 0; i < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	return sum
}

// WriteEven adds the bytes in buf to the running checksum. len(buf) must be even.
func (c *CRC791) WriteEven(buf []byte) {
	c.sum = checksumWriteEven(c.sum, buf)
}

// Write adds buf to the running checksum, LSB-zero-padding a trailing odd byte.
func (c *CRC791) Write(buf []byte) (int, error) {
	odd := len(buf) & 1
	c.sum = checksumWriteEven(c.sum, buf[:len(buf)-odd])
	if odd > 0 {
		c.sum += uint32(buf[len(buf)-1]) << 8
	}
	return len(buf), nil
}

// AddUint32 adds a 32-bit big-endian value to the running checksum.
func (c *CRC791) AddUint32(v uint32) {
	c.AddUint16(uint16(v >> 16))
	c.AddUint16(uint16(v))
}

// AddUint16 adds a 16-bit big-endian value to the running checksum.
func (c *CRC791) AddUint16(v uint16) {
	c.sum += uint32(v)
}

// Sum16 returns the checksum of all data written so far.
func (c *CRC791) Sum16() uint16 {
	return checksum16(c.sum)
}

// PayloadSum16 returns the checksum resulting from adding buf to the
// running total, without mutating the receiver.
func (c *CRC791) PayloadSum16(buf []byte) uint16 {
	odd := len(buf) & 1
	sum := checksumWriteEven(c.sum, buf[:len(buf)-odd])
	if odd > 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return checksum16(sum)
}

// Reset zeros the accumulator.
func (c *CRC791) Reset() { *c = CRC791{} }

// NeverZero returns 0xffff in place of a zero checksum, since 0x0000 and
// 0xffff represent the same value in ones'-complement arithmetic and a
// zero checksum field means "no checksum" on the wire.
func NeverZero(sum16 uint16) uint16 {
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}

// Seq is a 32-bit TCP sequence (or acknowledgment) number. Arithmetic on
// Seq must tolerate wraparound at 2**32, so comparisons go through
// Compare/LessThan rather than the builtin operators.
type Seq uint32

// Add returns seq advanced by delta octets, wrapping at 2**32.
func (seq Seq) Add(delta uint32) Seq { return seq + Seq(delta) }

// Compare returns -1 if seq precedes other, 0 if equal, 1 if seq follows
// other, accounting for 32-bit wraparound: the distance in whichever
// direction is shorter than half the sequence space determines order.
func (seq Seq) Compare(other Seq) int {
	if seq == other {
		return 0
	}
	d := int32(seq - other)
	if d < 0 {
		return -1
	}
	return 1
}

// LessThan reports whether seq precedes other in sequence-space order.
func (seq Seq) LessThan(other Seq) bool { return seq.Compare(other) < 0 }

// InWindow reports whether seq lies in [lo, lo+size) modulo 2**32.
func (seq Seq) InWindow(lo Seq, size uint32) bool {
	return uint32(seq-lo) < size
}
