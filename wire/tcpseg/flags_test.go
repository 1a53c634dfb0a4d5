package tcpseg

import "testing"

func TestFlagsHasAllHasAny(t *testing.T) {
	f := FlagSYN | FlagACK
	if !f.HasAll(FlagSYN | FlagACK) {
		t.Error("want HasAll true for exact bits")
	}
	if f.HasAll(FlagSYN | FlagFIN) {
		t.Error("want HasAll false when one bit missing")
	}
	if !f.HasAny(FlagFIN | FlagACK) {
		t.Error("want HasAny true when any bit present")
	}
	if f.HasAny(FlagFIN | FlagRST) {
		t.Error("want HasAny false when no bits present")
	}
}

func TestFlagsMaskDropsReservedBits(t *testing.T) {
	f := Flags(0xffff)
	if f.Mask() != flagMask {
		t.Errorf("want masked flags %#x, got %#x", flagMask, f.Mask())
	}
}

func TestFlagsStringShortcuts(t *testing.T) {
	cases := map[Flags]string{
		0:                 "[]",
		FlagSYN | FlagACK: "[SYN,ACK]",
		FlagFIN | FlagACK: "[FIN,ACK]",
		FlagACK:           "[ACK]",
		FlagRST:           "[RST]",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("Flags(%#x).String(): want %q, got %q", uint16(f), want, got)
		}
	}
}

func TestFlagsStringFallback(t *testing.T) {
	// A combination with no dedicated shortcut falls through to the
	// generic comma-joined formatter.
	f := FlagFIN | FlagPSH | FlagURG
	got := f.String()
	if got[0] != '[' || got[len(got)-1] != ']' {
		t.Errorf("expected bracketed list, got %q", got)
	}
}
