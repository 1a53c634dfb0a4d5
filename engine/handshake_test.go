package engine

import (
	"net"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/userspace-net/tunrelay/session"
	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/ipv4"
	"github.com/userspace-net/tunrelay/wire/tcpseg"
)

func buildTCPPacket(t *testing.T, src, dst string, seq, ack uint32, flags tcpseg.Flags, payload []byte) []byte {
	t.Helper()
	srcAP := netip.MustParseAddrPort(src)
	dstAP := netip.MustParseAddrPort(dst)

	const tcpHeaderLen = 20
	buf := make([]byte, 20+tcpHeaderLen+len(payload))
	i4, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	i4.ClearHeader()
	i4.SetVersionAndIHL(4, 5)
	i4.SetTotalLength(uint16(len(buf)))
	i4.SetTTL(64)
	i4.SetProtocol(ipv4.ProtoTCP)
	s := srcAP.Addr().As4()
	d := dstAP.Addr().As4()
	*i4.SourceAddr() = s
	*i4.DestinationAddr() = d

	tfrm, err := tcpseg.NewFrame(buf[20:])
	if err != nil {
		t.Fatalf("tcpseg.NewFrame: %v", err)
	}
	tfrm.SetSourcePort(srcAP.Port())
	tfrm.SetDestinationPort(dstAP.Port())
	tfrm.SetSeq(crc.Seq(seq))
	tfrm.SetAck(crc.Seq(ack))
	tfrm.SetOffsetAndFlags(5, flags)
	tfrm.SetWindowSize(65535)
	copy(buf[20+tcpHeaderLen:], payload)

	var c crc.CRC791
	i4.CRCWriteTCPPseudo(&c)
	c.Write(buf[20:])
	tfrm.SetCRC(0)
	tfrm.SetCRC(crc.NeverZero(c.Sum16()))
	i4.SetCRC(0)
	i4.SetCRC(i4.CalculateHeaderCRC())
	return buf
}

func waitFor(t *testing.T, fd int, events int16) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(pfd, 2000)
	if err != nil || n == 0 {
		t.Fatalf("poll fd %d for %#x: n=%d err=%v", fd, events, n, err)
	}
}

// establishTCP drives the guest handshake against a fresh loopback
// listener standing in for the internet host and returns the
// established session, the accepted host-side conn, and the engine's
// initial sequence number.
func establishTCP(t *testing.T, e *Engine, peer int) (*session.Session, net.Conn, uint32) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	dst := ln.Addr().String()

	e.handleIP(buildTCPPacket(t, "10.0.0.2:40000", dst, 0x1000, 0, tcpseg.FlagSYN, nil))
	sess := e.table.Lookup(session.Tuple{
		Proto: session.ProtoTCP,
		Src:   netip.MustParseAddrPort("10.0.0.2:40000"),
		Dst:   netip.MustParseAddrPort(dst),
	})
	if sess == nil {
		t.Fatalf("SYN must create a session")
	}
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, sess.TCP.Socket, unix.POLLOUT)
	e.onTCPSocketWritable(sess)
	synAck := readOne(t, peer)
	i4, err := ipv4.NewFrame(synAck)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	tfrm, err := tcpseg.NewFrame(i4.Payload())
	if err != nil {
		t.Fatalf("tcpseg.NewFrame: %v", err)
	}
	isn := uint32(tfrm.Seq())
	e.handleIP(buildTCPPacket(t, "10.0.0.2:40000", dst, 0x1001, isn+1, tcpseg.FlagACK, nil))
	if sess.TCP.State != tcpseg.StateEstablished {
		t.Fatalf("want ESTABLISHED after handshake ACK, got %v", sess.TCP.State)
	}
	return sess, conn, isn
}

// TestTCPHalfCloseEmitsFINAndReleasesSocket: the host closing its side
// while the forward queue is empty must emit FIN/ACK toward the guest
// (seq=local_seq, ack=remote_seq), advance local_seq by one, enter
// FIN_WAIT1, and fully release the host fd (closed, deregistered from
// the poller, removed from fdSessions) so a later reap or retransmitted
// guest segment can't act on a recycled descriptor number.
func TestTCPHalfCloseEmitsFINAndReleasesSocket(t *testing.T) {
	e, peer := newTestEngine(t)
	e.cfg.Classifier = func(packet []byte, dir Direction) Verdict { return Verdict{Allow: true} }

	sess, conn, isn := establishTCP(t, e, peer)
	oldFd := sess.TCP.Socket

	conn.Close()
	waitFor(t, oldFd, unix.POLLIN)
	e.onTCPSocketReadable(sess)

	out := readOne(t, peer)
	i4, err := ipv4.NewFrame(out)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	tfrm, err := tcpseg.NewFrame(i4.Payload())
	if err != nil {
		t.Fatalf("tcpseg.NewFrame: %v", err)
	}
	_, flags := tfrm.OffsetAndFlags()
	if !flags.HasAll(tcpseg.FlagFIN | tcpseg.FlagACK) {
		t.Errorf("want FIN|ACK toward the guest, got %s", flags)
	}
	if uint32(tfrm.Seq()) != isn+1 {
		t.Errorf("want FIN seq %d, got %d", isn+1, uint32(tfrm.Seq()))
	}
	if tfrm.Ack() != crc.Seq(0x1001) {
		t.Errorf("want ack 0x1001, got %#x", uint32(tfrm.Ack()))
	}
	if sess.TCP.State != tcpseg.StateFinWait1 {
		t.Errorf("want FIN_WAIT1 after half-close, got %v", sess.TCP.State)
	}
	if sess.TCP.LocalSeq != crc.Seq(isn+2) {
		t.Errorf("local_seq must advance past the FIN, got %d want %d", uint32(sess.TCP.LocalSeq), isn+2)
	}
	if sess.TCP.Socket != -1 {
		t.Errorf("host socket must be fully released on half-close, got fd %d", sess.TCP.Socket)
	}
	if _, ok := e.fdSessions[oldFd]; ok {
		t.Errorf("fd %d must be removed from fdSessions on half-close", oldFd)
	}
}

// TestTCPHandshakeAndEcho walks a full flow end to end against a real
// loopback listener standing in for the internet host:
// guest SYN -> host connect -> SYN/ACK toward guest -> guest ACK ->
// ESTABLISHED -> host bytes "HI" framed back as PSH/ACK.
func TestTCPHandshakeAndEcho(t *testing.T) {
	e, peer := newTestEngine(t)
	e.cfg.Classifier = func(packet []byte, dir Direction) Verdict { return Verdict{Allow: true} }

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	dst := ln.Addr().String()

	e.handleIP(buildTCPPacket(t, "10.0.0.2:40000", dst, 0x1000, 0, tcpseg.FlagSYN, nil))

	tuple := session.Tuple{
		Proto: session.ProtoTCP,
		Src:   netip.MustParseAddrPort("10.0.0.2:40000"),
		Dst:   netip.MustParseAddrPort(dst),
	}
	sess := e.table.Lookup(tuple)
	if sess == nil {
		t.Fatalf("SYN must create a session")
	}
	if sess.TCP.State != tcpseg.StateListen {
		t.Fatalf("want LISTEN before connect completes, got %v", sess.TCP.State)
	}
	if sess.TCP.Socket < 0 {
		t.Fatalf("want a connecting host socket")
	}

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	waitFor(t, sess.TCP.Socket, unix.POLLOUT)
	e.onTCPSocketWritable(sess)
	if sess.TCP.State != tcpseg.StateSynRecv {
		t.Fatalf("want SYN_RECV after SYN/ACK emitted, got %v", sess.TCP.State)
	}

	synAck := readOne(t, peer)
	i4, err := ipv4.NewFrame(synAck)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	tfrm, err := tcpseg.NewFrame(i4.Payload())
	if err != nil {
		t.Fatalf("tcpseg.NewFrame: %v", err)
	}
	_, flags := tfrm.OffsetAndFlags()
	if !flags.HasAll(tcpseg.FlagSYN | tcpseg.FlagACK) {
		t.Fatalf("want SYN|ACK, got %s", flags)
	}
	if tfrm.Ack() != crc.Seq(0x1001) {
		t.Fatalf("want ack 0x1001, got %#x", uint32(tfrm.Ack()))
	}
	isn := uint32(tfrm.Seq())

	e.handleIP(buildTCPPacket(t, "10.0.0.2:40000", dst, 0x1001, isn+1, tcpseg.FlagACK, nil))
	if sess.TCP.State != tcpseg.StateEstablished {
		t.Fatalf("want ESTABLISHED after handshake ACK, got %v", sess.TCP.State)
	}

	if _, err := conn.Write([]byte("HI")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	waitFor(t, sess.TCP.Socket, unix.POLLIN)
	e.onTCPSocketReadable(sess)

	data := readOne(t, peer)
	i4, err = ipv4.NewFrame(data)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	tfrm, err = tcpseg.NewFrame(i4.Payload())
	if err != nil {
		t.Fatalf("tcpseg.NewFrame: %v", err)
	}
	_, flags = tfrm.OffsetAndFlags()
	if !flags.HasAll(tcpseg.FlagPSH | tcpseg.FlagACK) {
		t.Errorf("want PSH|ACK, got %s", flags)
	}
	if uint32(tfrm.Seq()) != isn+1 {
		t.Errorf("want seq %d, got %d", isn+1, uint32(tfrm.Seq()))
	}
	if tfrm.Ack() != crc.Seq(0x1001) {
		t.Errorf("want ack 0x1001, got %#x", uint32(tfrm.Ack()))
	}
	if string(tfrm.Payload()) != "HI" {
		t.Errorf("want payload %q, got %q", "HI", tfrm.Payload())
	}
	if sess.TCP.LocalSeq != crc.Seq(isn+3) {
		t.Errorf("local_seq must advance by the payload length, got %d want %d", uint32(sess.TCP.LocalSeq), isn+3)
	}

	// Guest-originated data must reach the host socket in order.
	e.handleIP(buildTCPPacket(t, "10.0.0.2:40000", dst, 0x1001, isn+3, tcpseg.FlagPSH|tcpseg.FlagACK, []byte("PING")))
	hostBuf := make([]byte, 16)
	conn.SetReadDeadline(nowFunc().Add(2e9))
	n, err := conn.Read(hostBuf)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	if string(hostBuf[:n]) != "PING" {
		t.Errorf("host received %q, want %q", hostBuf[:n], "PING")
	}
	if sess.TCP.RemoteSeq != crc.Seq(0x1001+4) {
		t.Errorf("remote_seq must advance past delivered bytes, got %#x", uint32(sess.TCP.RemoteSeq))
	}
}
