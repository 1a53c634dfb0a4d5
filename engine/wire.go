package engine

import (
	"net/netip"
	"time"

	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/ipv4"
	"github.com/userspace-net/tunrelay/wire/ipv6"
)

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now

// isnCounter backs initialISN: a simple monotonic-ish counter is enough
// here since this engine never needs to defend against off-path blind
// injection the way an internet-facing stack would — the TUN device is
// already a trusted local channel.
var isnCounter uint32 = 1

func initialISN() uint32 {
	isnCounter += 64000
	return isnCounter
}

func newIPv6Header(buf []byte, src, dst netip.Addr, next ipv4.Protocol, payloadLen int) (ipv6.Frame, error) {
	f, err := ipv6.NewFrame(buf)
	if err != nil {
		return f, err
	}
	f.ClearHeader()
	f.SetVersionTrafficAndFlow(6, 0, 0)
	f.SetPayloadLength(uint16(payloadLen))
	f.SetNextHeader(next)
	f.SetHopLimit(64)
	s := src.As16()
	d := dst.As16()
	*f.SourceAddr() = s
	*f.DestinationAddr() = d
	return f, nil
}

func tcpChecksum6(f ipv6.Frame, tcpBuf []byte) uint16 {
	var c crc.CRC791
	f.CRCWritePseudo(&c)
	c.Write(tcpBuf)
	return crc.NeverZero(c.Sum16())
}

func udpChecksum6(f ipv6.Frame, udpBuf []byte) uint16 {
	var c crc.CRC791
	f.CRCWritePseudo(&c)
	c.Write(udpBuf)
	return crc.NeverZero(c.Sum16())
}
