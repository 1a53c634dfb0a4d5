package tcpseg

import "math/bits"

// Flags is the TCP control-bits field.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll reports whether every bit in mask is set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Mask clears non-flag bits.
func (f Flags) Mask() Flags { return f & flagMask }

func (f Flags) String() string {
	switch f.Mask() {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+3*bits.OnesCount16(uint16(f)))
	buf = append(buf, '[')
	buf = f.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag list to b, FIN first.
func (f Flags) AppendFormat(b []byte) []byte {
	f = f.Mask()
	if f == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	addcomma := false
	for f != 0 {
		i := bits.TrailingZeros16(uint16(f))
		if addcomma {
			b = append(b, ',')
		}
		addcomma = true
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		f &= ^(1 << i)
	}
	return b
}
