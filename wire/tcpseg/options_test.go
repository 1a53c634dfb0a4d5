package tcpseg

import "testing"

func TestParseMSSAndWindowScale(t *testing.T) {
	var opts []byte
	opts = AppendMSSOption(opts, 1460)
	opts = append(opts, byte(OptNop))
	opts = append(opts, byte(OptWindowScale), 3, 7) // kind, len, shift
	opts = append(opts, byte(OptEnd))

	mss, wscale, hasWScale := ParseMSSAndWindowScale(opts)
	if mss != 1460 {
		t.Errorf("want mss 1460, got %d", mss)
	}
	if !hasWScale || wscale != 7 {
		t.Errorf("want window scale 7 present, got %d present=%v", wscale, hasWScale)
	}
}

func TestParseMSSAndWindowScaleAbsent(t *testing.T) {
	mss, _, hasWScale := ParseMSSAndWindowScale(nil)
	if mss != 0 || hasWScale {
		t.Error("expected zero values for empty options")
	}
}

func TestForEachOptionRejectsTruncatedOption(t *testing.T) {
	opts := []byte{byte(OptMaxSegmentSize), 4, 0x05} // claims len 4, only 1 value byte present
	var p OptionParser
	err := p.ForEachOption(opts, func(OptionKind, []byte) error { return nil })
	if err == nil {
		t.Error("expected error for option length exceeding buffer")
	}
}

func TestAppendHandshakeOptionsRoundTrips(t *testing.T) {
	opts := AppendHandshakeOptions(nil, 1460, 7)
	if len(opts)%4 != 0 {
		t.Fatalf("options not padded to 4 bytes: len=%d", len(opts))
	}
	mss, wscale, hasWScale := ParseMSSAndWindowScale(opts)
	if mss != 1460 {
		t.Errorf("want mss 1460, got %d", mss)
	}
	if !hasWScale || wscale != 7 {
		t.Errorf("want window scale 7 present, got %d present=%v", wscale, hasWScale)
	}
}

func TestForEachOptionSkipsNop(t *testing.T) {
	opts := []byte{byte(OptNop), byte(OptNop), byte(OptEnd)}
	var calls int
	var p OptionParser
	err := p.ForEachOption(opts, func(OptionKind, []byte) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("NOP options should not invoke fn, got %d calls", calls)
	}
}
