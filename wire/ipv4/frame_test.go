package ipv4

import (
	"testing"

	"github.com/userspace-net/tunrelay/wire/crc"
)

func TestFrameHeaderCRC(t *testing.T) {
	// A known-good IPv4 header (20 bytes, no options) with its header
	// checksum already filled in; CalculateHeaderCRC must reproduce it
	// when the CRC field itself is excluded from the sum.
	buf := []byte{
		0x45, 0x00, 0x00, 0x3c, // version/IHL, ToS, total length
		0x1c, 0x46, 0x40, 0x00, // ID, flags/frag
		0x40, 0x06, 0x00, 0x00, // TTL, proto, crc (placeholder)
		0xac, 0x10, 0x0a, 0x63, // src 172.16.10.99
		0xac, 0x10, 0x0a, 0x0c, // dst 172.16.10.12
	}
	f, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	f.SetCRC(0)
	want := f.CalculateHeaderCRC()
	f.SetCRC(want)
	if f.CRC() != want {
		t.Fatalf("crc field mismatch after SetCRC: want %#04x got %#04x", want, f.CRC())
	}
	// Recomputing over the same bytes (crc field now nonzero) must still
	// exclude the crc field itself.
	if got := f.CalculateHeaderCRC(); got != want {
		t.Errorf("CalculateHeaderCRC not stable once CRC field is set: want %#04x got %#04x", want, got)
	}
}

func TestFramePayloadAndOptions(t *testing.T) {
	buf := make([]byte, 32)
	f, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	f.SetVersionAndIHL(4, 7) // IHL=7 -> 28-byte header, 8 bytes of options
	f.SetTotalLength(32)
	if got := len(f.Options()); got != 8 {
		t.Errorf("want 8 bytes of options, got %d", got)
	}
	if got := len(f.Payload()); got != 4 {
		t.Errorf("want 4 bytes of payload, got %d", got)
	}
}

func TestValidateSizeRejectsShortTotalLength(t *testing.T) {
	buf := make([]byte, 20)
	f, _ := NewFrame(buf)
	f.SetVersionAndIHL(4, 5)
	f.SetTotalLength(10) // less than the 20-byte header itself
	if err := f.ValidateSize(); err == nil {
		t.Error("expected error for total length shorter than header")
	}
}

func TestCRCWriteTCPPseudoLengthExcludesOptions(t *testing.T) {
	buf := make([]byte, 32)
	f, _ := NewFrame(buf)
	f.SetVersionAndIHL(4, 6) // 4 bytes of options -> 24-byte header
	f.SetTotalLength(32)     // 8 bytes left over for the TCP segment
	f.SetProtocol(ProtoTCP)
	*f.SourceAddr() = [4]byte{10, 0, 0, 1}
	*f.DestinationAddr() = [4]byte{10, 0, 0, 2}

	var pseudo, want crc.CRC791
	f.CRCWriteTCPPseudo(&pseudo)
	want.Write(f.SourceAddr()[:])
	want.Write(f.DestinationAddr()[:])
	want.AddUint16(8) // TotalLength - header (options included)
	want.AddUint16(uint16(ProtoTCP))
	if pseudo.Sum16() != want.Sum16() {
		t.Errorf("pseudo-header length should exclude IPv4 options: want %#04x got %#04x", want.Sum16(), pseudo.Sum16())
	}
}
