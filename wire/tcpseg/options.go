package tcpseg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OptionKind identifies a TCP option. Only the kinds this engine reads
// or writes are named; all others pass through ForEachOption unexamined.
type OptionKind uint8

const (
	OptEnd            OptionKind = 0
	OptNop            OptionKind = 1
	OptMaxSegmentSize OptionKind = 2
	OptWindowScale    OptionKind = 3
	OptSACKPermitted  OptionKind = 4
	OptSACK           OptionKind = 5
	OptTimestamps     OptionKind = 8
)

// OptionParser walks a TCP option list calling fn for each option found.
type OptionParser struct {
	SkipSizeValidation bool
}

// ForEachOption walks opts, the TCP header's variable-length option
// section, invoking fn with each option's kind and value.
func (p *OptionParser) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	for off < len(opts) && opts[off] != byte(OptEnd) {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 2 {
			return errors.New("tcpseg: short option")
		}
		size := int(opts[off])
		off++
		if size < 2 || len(opts[off:]) < size-2 {
			return fmt.Errorf("tcpseg: option %d length %d exceeds buffer", kind, size)
		}
		if !p.SkipSizeValidation {
			expect := -1
			switch kind {
			case OptMaxSegmentSize:
				expect = 4
			case OptWindowScale:
				expect = 3
			case OptSACKPermitted:
				expect = 2
			}
			if expect != -1 && size != expect {
				return fmt.Errorf("tcpseg: option %d bad size want %d got %d", kind, expect, size)
			}
		}
		if err := fn(kind, opts[off:off+size-2]); err != nil {
			return err
		}
		off += size - 2
	}
	return nil
}

// ParseMSSAndWindowScale scans opts for the MSS and window-scale options
// commonly present on an inbound SYN, returning 0/false for either not
// found.
func ParseMSSAndWindowScale(opts []byte) (mss uint16, wscale uint8, hasWScale bool) {
	var p OptionParser
	p.SkipSizeValidation = true
	p.ForEachOption(opts, func(kind OptionKind, val []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			if len(val) == 2 {
				mss = binary.BigEndian.Uint16(val)
			}
		case OptWindowScale:
			if len(val) == 1 {
				wscale = val[0]
				hasWScale = true
			}
		}
		return nil
	})
	return mss, wscale, hasWScale
}

// AppendMSSOption appends a kind=2,len=4 MSS option to b.
func AppendMSSOption(b []byte, mss uint16) []byte {
	var buf [4]byte
	buf[0] = byte(OptMaxSegmentSize)
	buf[1] = 4
	binary.BigEndian.PutUint16(buf[2:4], mss)
	return append(b, buf[:]...)
}

// AppendWindowScaleOption appends a kind=3,len=3 window-scale option to b.
func AppendWindowScaleOption(b []byte, shift uint8) []byte {
	return append(b, byte(OptWindowScale), 3, shift)
}

// AppendHandshakeOptions appends the MSS then window-scale options a
// SYN-bearing segment carries, followed by an EOL and padding to a
// 4-byte boundary.
func AppendHandshakeOptions(b []byte, mss uint16, wscale uint8) []byte {
	b = AppendMSSOption(b, mss)
	b = AppendWindowScaleOption(b, wscale)
	b = append(b, byte(OptEnd))
	for len(b)%4 != 0 {
		b = append(b, byte(OptEnd))
	}
	return b
}
