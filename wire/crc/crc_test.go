package crc

import "testing"

func TestCRC791KnownValue(t *testing.T) {
	// RFC 1071 worked example.
	buf := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	var c CRC791
	c.Write(buf)
	const want = 0x220d
	if got := c.Sum16(); got != want {
		t.Errorf("want checksum %#04x, got %#04x", want, got)
	}
}

func TestCRC791OddLength(t *testing.T) {
	var even, odd CRC791
	even.Write([]byte{0x12, 0x34})
	odd.Write([]byte{0x12, 0x34, 0x00})
	// A trailing zero byte pads the same as no byte at all.
	if even.Sum16() != odd.Sum16() {
		t.Errorf("odd-length padding mismatch: %#04x != %#04x", even.Sum16(), odd.Sum16())
	}
}

func TestCRC791PayloadSum16DoesNotMutate(t *testing.T) {
	var c CRC791
	c.AddUint16(0x1234)
	before := c.sum
	c.PayloadSum16([]byte{0x01, 0x02, 0x03})
	if c.sum != before {
		t.Error("PayloadSum16 mutated the accumulator")
	}
}

func TestNeverZero(t *testing.T) {
	if got := NeverZero(0); got != 0xffff {
		t.Errorf("want 0xffff for zero sum, got %#04x", got)
	}
	if got := NeverZero(0x1234); got != 0x1234 {
		t.Errorf("want passthrough for nonzero sum, got %#04x", got)
	}
}

func TestSeqCompareWraparound(t *testing.T) {
	cases := []struct {
		a, b Seq
		want int
	}{
		{10, 20, -1},
		{20, 10, 1},
		{10, 10, 0},
		// a is just past the 2**32 wrap from b: a should still compare
		// as "after" b despite the raw uint32 value being smaller.
		{5, 0xfffffffe, 1},
		{0xfffffffe, 5, -1},
	}
	for _, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Errorf("Compare(%d,%d): want %d, got %d", c.a, c.b, c.want, got)
		}
	}
}

func TestSeqInWindow(t *testing.T) {
	lo := Seq(0xfffffff0)
	if !lo.Add(5).InWindow(lo, 16) {
		t.Error("expected seq inside window across wraparound")
	}
	if lo.Add(20).InWindow(lo, 16) {
		t.Error("expected seq outside window to fail")
	}
}
