package engine

import (
	"bytes"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/userspace-net/tunrelay/session"
	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/ipv4"
	"github.com/userspace-net/tunrelay/wire/udpseg"
)

func buildUDPPacket(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	srcAP := netip.MustParseAddrPort(src)
	dstAP := netip.MustParseAddrPort(dst)

	const udpHeaderLen = 8
	buf := make([]byte, 20+udpHeaderLen+len(payload))
	i4, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	i4.ClearHeader()
	i4.SetVersionAndIHL(4, 5)
	i4.SetTotalLength(uint16(len(buf)))
	i4.SetTTL(64)
	i4.SetProtocol(ipv4.ProtoUDP)
	s := srcAP.Addr().As4()
	d := dstAP.Addr().As4()
	*i4.SourceAddr() = s
	*i4.DestinationAddr() = d

	u, err := udpseg.NewFrame(buf[20:])
	if err != nil {
		t.Fatalf("udpseg.NewFrame: %v", err)
	}
	u.SetSourcePort(srcAP.Port())
	u.SetDestinationPort(dstAP.Port())
	u.SetLength(uint16(udpHeaderLen + len(payload)))
	copy(u.Payload(), payload)

	var c crc.CRC791
	i4.CRCWriteUDPPseudo(&c, u.Length())
	c.Write(buf[20:])
	u.SetCRC(0)
	u.SetCRC(crc.NeverZero(c.Sum16()))
	i4.SetCRC(0)
	i4.SetCRC(i4.CalculateHeaderCRC())
	return buf
}

// dnsQuery builds a minimal DNS query for "example.com" A, enough for
// the blocked-query reply synthesizer to echo.
func dnsQuery(id uint16) []byte {
	q := []byte{
		byte(id >> 8), byte(id), // ID
		0x01, 0x00, // RD set
		0x00, 0x01, // QDCOUNT
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	q = append(q, 7)
	q = append(q, "example"...)
	q = append(q, 3)
	q = append(q, "com"...)
	q = append(q, 0x00, 0x00, 0x01, 0x00, 0x01)
	return q
}

// TestHandleUDPDNSRedirect covers the session-creation half of the DNS
// redirect path: a guest query to the DNS redirect address creates a
// session keyed by the guest-visible tuple whose upstream is the real
// resolver, so follow-up queries from the same flow hit the same
// session instead of spawning new ones.
func TestHandleUDPDNSRedirect(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.Classifier = func(packet []byte, dir Direction) Verdict { return Verdict{Allow: true} }
	e.cfg.DNSRedirectTo = netip.MustParseAddr("127.0.0.1")

	pkt := buildUDPPacket(t, "10.0.0.2:51000", "198.18.0.1:53", dnsQuery(0xabcd))
	e.handleIP(pkt)

	tuple := session.Tuple{
		Proto: session.ProtoUDP,
		Src:   netip.MustParseAddrPort("10.0.0.2:51000"),
		Dst:   netip.MustParseAddrPort("198.18.0.1:53"),
	}
	sess := e.table.Lookup(tuple)
	if sess == nil {
		t.Fatalf("DNS-redirected flow must be keyed by the guest-visible tuple")
	}
	if want := netip.MustParseAddrPort("127.0.0.1:53"); sess.UDP.Upstream != want {
		t.Errorf("want upstream %v, got %v", want, sess.UDP.Upstream)
	}
	if sess.UDP.Socket < 0 {
		t.Errorf("want a host datagram socket open for the flow")
	}

	e.handleIP(buildUDPPacket(t, "10.0.0.2:51000", "198.18.0.1:53", dnsQuery(0xabce)))
	if got := e.table.Len(); got != 1 {
		t.Errorf("second query on the same flow must reuse the session, got %d sessions", got)
	}
}

// TestWriteUDPRedirectedReplyFraming covers the reply half of scenario
// 2: a redirected flow's reply is framed with the guest-visible
// destination (the redirect address) as its source, and both checksums
// verify.
func TestWriteUDPRedirectedReplyFraming(t *testing.T) {
	e, peer := newTestEngine(t)
	sess := &session.Session{
		Tuple: session.Tuple{
			Proto: session.ProtoUDP,
			Src:   netip.MustParseAddrPort("10.0.0.2:51000"),
			Dst:   netip.MustParseAddrPort("198.18.0.1:53"),
		},
		Family: 4,
		UDP: &session.UDPData{
			Socket:   -1,
			MSS:      65507,
			Upstream: netip.MustParseAddrPort("1.1.1.1:53"),
		},
	}
	payload := []byte{0xab, 0xcd, 0x81, 0x80, 0, 1, 0, 1, 0, 0, 0, 0}
	e.writeUDP(sess, payload)

	out := readOne(t, peer)
	i4, err := ipv4.NewFrame(out)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	if got, want := i4.CalculateHeaderCRC(), i4.CRC(); got != want {
		t.Errorf("ipv4 header checksum did not verify: recomputed %#04x, header carries %#04x", got, want)
	}
	if want := [4]byte{198, 18, 0, 1}; *i4.SourceAddr() != want {
		t.Errorf("reply source must be the address the guest queried, got %v", *i4.SourceAddr())
	}
	u, err := udpseg.NewFrame(i4.Payload())
	if err != nil {
		t.Fatalf("udpseg.NewFrame: %v", err)
	}
	if u.SourcePort() != 53 || u.DestinationPort() != 51000 {
		t.Errorf("want ports 53->51000, got %d->%d", u.SourcePort(), u.DestinationPort())
	}
	if !bytes.Equal(u.Payload(), payload) {
		t.Errorf("payload mangled in framing")
	}
	var c crc.CRC791
	i4.CRCWriteUDPPseudo(&c, u.Length())
	c.Write(i4.Payload())
	if sum := c.Sum16(); sum != 0 && sum != 0xffff {
		t.Errorf("udp checksum did not verify: residual %#04x", sum)
	}
}

// TestHandleUDPBlockedDNSQueryAnswersWithRcode: a classifier-denied
// port-53 query is answered with a synthesized DNS response carrying
// the configured response code instead of being silently dropped, and
// no session is created for it.
func TestHandleUDPBlockedDNSQueryAnswersWithRcode(t *testing.T) {
	e, peer := newTestEngine(t)
	e.cfg.Classifier = func(packet []byte, dir Direction) Verdict { return Verdict{Allow: false} }

	pkt := buildUDPPacket(t, "10.0.0.2:51000", "198.18.0.1:53", dnsQuery(0x4242))
	e.handleIP(pkt)

	if e.table.Len() != 0 {
		t.Errorf("denied DNS query must not create a session, got %d", e.table.Len())
	}
	out := readOne(t, peer)
	i4, err := ipv4.NewFrame(out)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	u, err := udpseg.NewFrame(i4.Payload())
	if err != nil {
		t.Fatalf("udpseg.NewFrame: %v", err)
	}
	reply := u.Payload()
	if len(reply) < 12 {
		t.Fatalf("short DNS reply: %d bytes", len(reply))
	}
	if reply[0] != 0x42 || reply[1] != 0x42 {
		t.Errorf("reply must echo the query ID, got %#02x%02x", reply[0], reply[1])
	}
	if reply[2]&0x80 == 0 {
		t.Errorf("QR bit must be set on the synthesized reply")
	}
	if rcode := reply[3] & 0x0f; rcode != 3 {
		t.Errorf("want default NXDOMAIN rcode 3, got %d", rcode)
	}
	if reply[6] != 0 || reply[7] != 0 {
		t.Errorf("ANCOUNT must be zero on the synthesized reply")
	}
}

// TestHandleUDPBlockedNonDNSDroppedSilently: denials for anything other
// than DNS stay silent drops; the guest learns nothing.
func TestHandleUDPBlockedNonDNSDroppedSilently(t *testing.T) {
	e, peer := newTestEngine(t)
	e.cfg.Classifier = func(packet []byte, dir Direction) Verdict { return Verdict{Allow: false} }

	pkt := buildUDPPacket(t, "10.0.0.2:51000", "8.8.4.4:123", []byte("ntpish"))
	e.handleIP(pkt)

	if e.table.Len() != 0 {
		t.Errorf("denied datagram must not create a session")
	}
	var buf [64]byte
	if n, err := unix.Read(peer, buf[:]); err == nil {
		t.Errorf("denied non-DNS datagram must not be answered, got %d bytes", n)
	}
}

// TestHandleUDPTableFullAdmission: at the session budget a new non-DNS
// flow is dropped, but a port-53 flow is still admitted while DNS
// forwarding is disabled.
func TestHandleUDPTableFullAdmission(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.Classifier = func(packet []byte, dir Direction) Verdict { return Verdict{Allow: true} }
	e.cfg.DNSRedirectTo = netip.MustParseAddr("127.0.0.1")
	e.table = session.NewTable(0)

	e.handleIP(buildUDPPacket(t, "10.0.0.2:51000", "8.8.4.4:123", []byte("x")))
	if e.table.Len() != 0 {
		t.Fatalf("table-full non-DNS flow must be dropped, got %d sessions", e.table.Len())
	}

	e.handleIP(buildUDPPacket(t, "10.0.0.2:51001", "198.18.0.1:53", dnsQuery(1)))
	if e.table.Len() != 1 {
		t.Errorf("DNS flow must be admitted past the budget, got %d sessions", e.table.Len())
	}
}
