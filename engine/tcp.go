package engine

import (
	"net/netip"

	"github.com/userspace-net/tunrelay/netio"
	"github.com/userspace-net/tunrelay/session"
	"github.com/userspace-net/tunrelay/socks5"
	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/ipv4"
	"github.com/userspace-net/tunrelay/wire/tcpseg"
)

const tcpDefaultWindow = 64240

// handleTCP is the TCP engine's ingress entry point. It looks up the
// flow's session, creating one on an inbound SYN, and
// drives the state machine forward from whatever segment just arrived.
func (e *Engine) handleTCP(packet []byte, family int, payload []byte, srcAddr, dstAddr netip.Addr) {
	frm, err := tcpseg.NewFrame(payload)
	if err != nil || frm.ValidateSize() != nil {
		e.log.Debug("tcp: malformed segment")
		return
	}
	seg := frm.Segment(len(frm.Payload()))
	tuple := session.Tuple{
		Proto: session.ProtoTCP,
		Src:   netip.AddrPortFrom(srcAddr, frm.SourcePort()),
		Dst:   netip.AddrPortFrom(dstAddr, frm.DestinationPort()),
	}

	sess := e.table.Lookup(tuple)
	if sess == nil {
		if !seg.Flags.HasAll(tcpseg.FlagSYN) || seg.Flags.HasAny(tcpseg.FlagACK) {
			// No session and not a bare SYN: the remote end the guest
			// is "connected" to, from this engine's perspective,
			// doesn't exist. Answer with a stateless RST so the guest's
			// stack doesn't wait on a half-open connection forever.
			e.writeStatelessRST(family, tuple, seg)
			return
		}
		if e.table.Full() {
			// Admission control: at budget, a new flow is dropped
			// outright: no RST, no session.
			e.log.Debug("tcp: session table full, dropping SYN")
			return
		}
		v := e.cfg.Classifier(packet, DirectionIn)
		sess = e.newTCPSession(tuple, family, seg, frm.Options(), frm.Payload())
		sess.UID = v.UID
		if v.Redirect.IsValid() {
			// The table stays keyed by the guest-visible tuple; only
			// the host-side connect target changes.
			sess.TCP.Upstream = v.Redirect
			sess.TCP.SOCKS5.Target = v.Redirect
		}
		if !v.Allow {
			// The classifier denied the flow: the session is still
			// created, in CLOSING, so housekeeping reaps it shortly;
			// only the host socket is skipped.
			sess.TCP.State = tcpseg.StateClosing
			e.table.Insert(sess)
			e.writeTCP(sess, tcpseg.FlagRST|tcpseg.FlagACK, sess.TCP.LocalSeq, sess.TCP.RemoteSeq)
			return
		}
		if err := e.table.Insert(sess); err != nil {
			e.log.Debug("tcp: session table full, dropping SYN")
			return
		}
		e.openTCPSocket(sess)
		return
	}
	e.advanceTCP(sess, seg, frm.Payload())
}

func (e *Engine) newTCPSession(tuple session.Tuple, family int, syn tcpseg.Segment, opts, data []byte) *session.Session {
	mss, wscale, hasWScale := tcpseg.ParseMSSAndWindowScale(opts)
	if mss == 0 {
		mss = 1460
	}
	td := &session.TCPData{
		State:     tcpseg.StateListen,
		RemoteSeq: syn.SEQ.Add(1),
		LocalSeq:  crc.Seq(initialISN()),
		LocalMSS:  1460,
		RemoteMSS: mss,
		Socket:    -1,
		Upstream:  tuple.Dst,
	}
	if hasWScale {
		td.RemoteWScale = wscale
	}
	// The SYN's own window field is never scaled (RFC 7323 §2.2).
	td.RemoteWindow = uint32(syn.WND)
	td.SendWindow = uint32(syn.WND)
	if len(data) > 0 {
		// Any data carried on the SYN itself is enqueued as a forward
		// segment right after it, to be drained once the host socket
		// connects.
		td.ForwardQueue.Insert(tcpseg.QueuedSegment{
			Seq:  syn.SEQ.Add(1),
			Data: append([]byte(nil), data...),
			Push: syn.Flags.HasAny(tcpseg.FlagPSH),
		})
	}
	if e.cfg.SOCKS5 != nil {
		td.SOCKS5 = session.SOCKS5State{State: socks5.StateNone, Config: e.cfg.SOCKS5, Target: tuple.Dst}
	}
	return &session.Session{
		Tuple:    tuple,
		Family:   family,
		LastUsed: nowFunc(),
		TCP:      td,
	}
}

// availableSendWindow computes how many more bytes this engine may emit
// toward the guest right now: the guest's advertised receive window
// minus what is already in flight, where in-flight is
// (local_seq-acked) mod 2^16 plus a fixed 40-byte header allowance per
// unacknowledged segment (plus one for the segment about to be sent).
func availableSendWindow(td *session.TCPData) uint32 {
	outstanding := uint32(uint16(uint32(td.LocalSeq) - uint32(td.Acked)))
	outstanding += (td.Unconfirmed + 1) * 40
	if outstanding >= td.SendWindow {
		return 0
	}
	return td.SendWindow - outstanding
}

// advanceTCP applies one inbound segment to an existing session: RST,
// retransmitted-SYN tolerance, data reassembly and FIN, then the
// four-way ack classification against local_seq (pure ack, keep-alive
// probe, duplicate-delayed ack, illegal ack).
func (e *Engine) advanceTCP(sess *session.Session, seg tcpseg.Segment, data []byte) {
	td := sess.TCP

	if td.State == tcpseg.StateClosing || td.State == tcpseg.StateClosed {
		e.writeTCP(sess, tcpseg.FlagRST, td.LocalSeq, td.RemoteSeq)
		return
	}

	// A bare (non-ACK) SYN on an existing session is a retransmitted
	// handshake: tolerated without touching sequence state or running
	// the ack classification below, whose ack field is meaningless on
	// a segment that never carried one.
	retransmittedSYN := seg.Flags.HasAll(tcpseg.FlagSYN) && !seg.Flags.HasAny(tcpseg.FlagACK)
	if !retransmittedSYN {
		td.RemoteWindow = uint32(seg.WND)
		td.SendWindow = uint32(seg.WND) << td.RemoteWScale
		td.Unconfirmed = 0
		sess.Touch(nowFunc())
	}

	if seg.Flags.HasAny(tcpseg.FlagRST) {
		td.State = tcpseg.StateClosing
		return
	}

	if len(data) > 0 {
		if td.Socket < 0 || td.State == tcpseg.StateCloseWait {
			e.writeTCP(sess, tcpseg.FlagRST, td.LocalSeq, td.RemoteSeq)
			td.State = tcpseg.StateClosing
			return
		}
		switch {
		case seg.SEQ.LessThan(td.RemoteSeq):
			// Already delivered or made obsolete.
		case seg.SEQ.InWindow(td.RemoteSeq, uint32(td.LocalWindow)+1):
			td.ForwardQueue.Insert(tcpseg.QueuedSegment{Seq: seg.SEQ, Data: append([]byte(nil), data...), Push: seg.Flags.HasAny(tcpseg.FlagPSH)})
		}
		e.drainForwardQueue(sess)
	}

	if retransmittedSYN {
		return
	}

	switch {
	case seg.ACK == td.LocalSeq:
		// The expected ACK: everything emitted so far is confirmed
		// (invariant 4: Acked <= LocalSeq, now met with equality).
		td.Acked = seg.ACK
		switch {
		case seg.Flags.HasAll(tcpseg.FlagFIN):
			e.handleFIN(sess)
		default:
			switch td.State {
			case tcpseg.StateSynRecv:
				td.State = tcpseg.StateEstablished
				td.LocalWindow = tcpDefaultWindow
				e.drainForwardQueue(sess)
			case tcpseg.StateLastAck:
				td.State = tcpseg.StateClosing
			}
		}
	case seg.ACK.Add(1) == td.LocalSeq:
		// Keep-alive probe: the guest re-acks one byte before its last
		// known good ack to provoke a response and confirm the
		// connection is still live.
		td.LastKeepAlive = nowFunc()
		if td.State == tcpseg.StateEstablished && td.Socket >= 0 {
			netio.SetKeepAlive(td.Socket, true)
		}
	case seg.ACK.LessThan(td.LocalSeq):
		if td.Acked.LessThan(seg.ACK) {
			td.Acked = seg.ACK
		}
	default:
		// ack > local_seq: the guest is acknowledging bytes this
		// engine never sent.
		e.writeTCP(sess, tcpseg.FlagRST, td.LocalSeq, td.RemoteSeq)
		td.State = tcpseg.StateClosing
	}
}

// handleFIN applies a guest FIN once the ack classification has
// determined it is in-sequence.
func (e *Engine) handleFIN(sess *session.Session) {
	td := sess.TCP
	switch td.State {
	case tcpseg.StateEstablished:
		td.State = tcpseg.StateCloseWait
		if td.ForwardQueue.Len() == 0 {
			td.RemoteSeq = td.RemoteSeq.Add(1)
			e.writeTCP(sess, tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
		} else {
			// Pending guest->host data still needs draining; remote_seq
			// only advances past the FIN once the queue empties.
			td.FinPending = true
		}
	case tcpseg.StateFinWait1:
		td.RemoteSeq = td.RemoteSeq.Add(1)
		e.writeTCP(sess, tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
		td.State = tcpseg.StateClosing
	}
}

// drainForwardQueue writes as much of the forward queue, in sequence
// order, to the host socket as it will currently accept. It stops on a
// short write or EAGAIN rather than treating either as fatal, and only
// advances remote_seq by however many bytes actually reached the
// socket. Called both right after ingress enqueues new data (the
// common case where the host socket has room) and from the dispatcher
// on EPOLLOUT once it doesn't.
func (e *Engine) drainForwardQueue(sess *session.Session) {
	td := sess.TCP
	if td.Socket < 0 {
		return
	}
	if td.SOCKS5.State != socks5.StateNone && td.SOCKS5.State != socks5.StateConnected {
		// Buffered until the SOCKS5 handshake reaches CONNECTED.
		return
	}

	startSeq := td.RemoteSeq
	prevWindow := td.LocalWindow
	for {
		seg, ok := td.ForwardQueue.Front()
		if !ok || seg.Seq != td.RemoteSeq {
			break
		}
		// MSG_MORE on everything except a PSH-flagged segment, which
		// the guest asked to be flushed through promptly.
		n, err := netio.SendStream(td.Socket, seg.Data, !seg.Push)
		if n > 0 {
			if n < len(seg.Data) {
				td.ForwardQueue.Advance(n)
				td.RemoteSeq = td.RemoteSeq.Add(uint32(n))
				td.Received += uint64(n)
				break
			}
			td.ForwardQueue.PopFront()
			td.RemoteSeq = td.RemoteSeq.Add(uint32(len(seg.Data)))
			td.Received += uint64(len(seg.Data))
			continue
		}
		if err != nil && !netio.IsTemporary(err) {
			e.log.Debug("tcp: write to host socket failed, resetting", "error", err)
			e.writeTCP(sess, tcpseg.FlagRST, td.LocalSeq, td.RemoteSeq)
			td.State = tcpseg.StateClosing
			return
		}
		break
	}

	finAcked := false
	if td.ForwardQueue.Len() == 0 && td.State == tcpseg.StateCloseWait && td.FinPending {
		td.RemoteSeq = td.RemoteSeq.Add(1)
		td.FinPending = false
		finAcked = true
	}

	e.recomputeWindow(sess)

	if td.RemoteSeq != startSeq || finAcked || (prevWindow == 0 && td.LocalWindow > 0) {
		e.writeTCP(sess, tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
	}

	if td.Socket >= 0 {
		e.poller.Modify(td.Socket, true, td.ForwardQueue.Len() > 0)
	}
}

// recomputeWindow re-advertises the receive window from how much room
// the host socket's send buffer has left, less whatever is still
// sitting in the forward queue waiting to be drained, clamped to what
// the (possibly scaled) 16-bit window field can carry.
func (e *Engine) recomputeWindow(sess *session.Session) {
	td := sess.TCP
	headroom, err := netio.SendBufferHeadroom(td.Socket)
	if err != nil {
		return
	}
	w := uint32(headroom)
	if queued := uint32(td.ForwardQueue.QueuedBytes()); queued < w {
		w -= queued
	} else {
		w = 0
	}
	max := uint32(0xffff) << td.LocalWScale
	if w > max {
		w = max
	}
	td.LocalWindow = w
}

// openTCPSocket begins a non-blocking connect to the session's
// destination (or, if a SOCKS5 proxy is configured, to the proxy
// itself), registering the socket's fd for EPOLLOUT so the dispatcher
// learns when the connect completes.
func (e *Engine) openTCPSocket(sess *session.Session) {
	td := sess.TCP
	dst := td.Upstream
	if td.SOCKS5.Config != nil && td.SOCKS5.Config.ProxyAddr.IsValid() {
		dst = td.SOCKS5.Config.ProxyAddr
	}
	fd, err := netio.DialTCPNonblocking(dst)
	if err != nil {
		e.log.Debug("tcp: dial failed", "error", err)
		e.writeTCP(sess, tcpseg.FlagRST|tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
		e.table.Remove(sess)
		return
	}
	td.Socket = fd
	e.poller.Add(fd, true, true)
	e.fdSessions[fd] = sess
}

// onTCPSocketWritable fires on every EPOLLOUT readiness notification for
// a TCP session's host socket. While still LISTEN (the handshake with
// the host hasn't completed yet) this means either the connect finished
// or failed; once past that, it means the forward queue can make
// further progress.
func (e *Engine) onTCPSocketWritable(sess *session.Session) {
	td := sess.TCP
	if td.State != tcpseg.StateListen {
		e.drainForwardQueue(sess)
		return
	}
	if err := netio.SocketError(td.Socket); err != nil {
		e.log.Debug("tcp: connect failed", "error", err)
		e.writeTCP(sess, tcpseg.FlagRST|tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
		e.teardownTCP(sess)
		return
	}
	if td.SOCKS5.Config != nil && td.SOCKS5.State == socks5.StateNone {
		buf := socks5.AppendHello(nil)
		netio.Send(td.Socket, buf)
		td.SOCKS5.State = socks5.StateHello
		e.poller.Modify(td.Socket, true, false)
		return
	}
	e.writeTCP(sess, tcpseg.FlagSYN|tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
	td.LocalSeq = td.LocalSeq.Add(1)
	td.State = tcpseg.StateSynRecv
	e.poller.Modify(td.Socket, true, false)
}

// onTCPSocketReadable drains available bytes from the host socket,
// advancing the SOCKS5 handshake if one is in progress, or else relaying
// the bytes to the guest over the TUN device.
func (e *Engine) onTCPSocketReadable(sess *session.Session) {
	td := sess.TCP
	if td.SOCKS5.State != socks5.StateNone && td.SOCKS5.State != socks5.StateConnected {
		var hsBuf [512]byte
		n, err := netio.Recv(td.Socket, hsBuf[:])
		if err != nil || n == 0 {
			e.teardownTCP(sess)
			return
		}
		e.advanceSOCKS5(sess, hsBuf[:n])
		return
	}
	// Never read more than what's actually available to send toward
	// the guest right now, nor more than its negotiated MSS.
	want := availableSendWindow(td)
	if mss := uint32(td.RemoteMSS); mss > 0 && mss < want {
		want = mss
	}
	if want == 0 {
		return
	}
	if want > 4096 {
		want = 4096
	}
	buf := make([]byte, want)
	n, err := netio.Recv(td.Socket, buf)
	if err != nil || n == 0 {
		if td.ForwardQueue.Len() > 0 {
			e.writeTCP(sess, tcpseg.FlagRST, td.LocalSeq, td.RemoteSeq)
			td.State = tcpseg.StateClosing
			return
		}
		e.writeTCP(sess, tcpseg.FlagFIN|tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
		td.LocalSeq = td.LocalSeq.Add(1)
		if td.State == tcpseg.StateCloseWait {
			td.State = tcpseg.StateLastAck
		} else {
			td.State = tcpseg.StateFinWait1
		}
		// Fully release the fd here, not just close it: leaving the
		// stale number in Socket/fdSessions would let a later reap or a
		// retransmitted guest segment act on whatever flow the kernel
		// has since reassigned that number to.
		e.closeTCPSocket(sess)
		return
	}
	e.writeTCP(sess, tcpseg.FlagPSH|tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq, buf[:n]...)
	td.LocalSeq = td.LocalSeq.Add(uint32(n))
	td.Sent += uint64(n)
	td.Unconfirmed++
}

func (e *Engine) advanceSOCKS5(sess *session.Session, reply []byte) {
	td := sess.TCP
	switch td.SOCKS5.State {
	case socks5.StateHello:
		method, err := socks5.ParseHelloReply(reply)
		if err != nil {
			e.resetSOCKS5Failure(sess, err)
			return
		}
		if method == socks5.AuthUserPass {
			buf := socks5.AppendAuth(nil, *td.SOCKS5.Config)
			netio.Send(td.Socket, buf)
			td.SOCKS5.State = socks5.StateAuth
			return
		}
		buf := socks5.AppendConnect(nil, td.SOCKS5.Target)
		netio.Send(td.Socket, buf)
		td.SOCKS5.State = socks5.StateConnect
	case socks5.StateAuth:
		if err := socks5.ParseAuthReply(reply); err != nil {
			e.resetSOCKS5Failure(sess, err)
			return
		}
		buf := socks5.AppendConnect(nil, td.SOCKS5.Target)
		netio.Send(td.Socket, buf)
		td.SOCKS5.State = socks5.StateConnect
	case socks5.StateConnect:
		if err := socks5.ParseConnectReply(reply); err != nil {
			e.resetSOCKS5Failure(sess, err)
			return
		}
		td.SOCKS5.State = socks5.StateConnected
		e.writeTCP(sess, tcpseg.FlagSYN|tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq)
		td.LocalSeq = td.LocalSeq.Add(1)
		td.State = tcpseg.StateSynRecv
		e.drainForwardQueue(sess)
	}
}

func (e *Engine) resetSOCKS5Failure(sess *session.Session, err error) {
	e.log.Debug("tcp: socks5 handshake failed", "error", err)
	e.writeTCP(sess, tcpseg.FlagRST|tcpseg.FlagACK, sess.TCP.LocalSeq, sess.TCP.RemoteSeq)
	e.teardownTCP(sess)
}

// closeTCPSocket closes the session's host socket, if any, without
// removing the session from the table: the reaper's CLOSING pass uses
// this to enter CLOSE, and teardownTCP builds on it for a full removal.
func (e *Engine) closeTCPSocket(sess *session.Session) {
	if sess.TCP.Socket >= 0 {
		e.poller.Remove(sess.TCP.Socket)
		delete(e.fdSessions, sess.TCP.Socket)
		netio.CloseFD(sess.TCP.Socket)
		sess.TCP.Socket = -1
	}
}

// teardownTCP closes the host socket (if any) and removes the session
// from the table outright, used for failures that don't need the
// reaper's CLOSING/CLOSE grace period (dial failure, SOCKS5 failure,
// EPOLLERR/EPOLLHUP).
func (e *Engine) teardownTCP(sess *session.Session) {
	e.closeTCPSocket(sess)
	e.table.Remove(sess)
}

// writeStatelessRST answers a non-SYN segment for an unknown flow with a
// RST carrying seq = the segment's ack and ack = the segment's seq plus
// its sequence-space length, so the guest's stack abandons the
// half-open connection instead of retrying into a void.
func (e *Engine) writeStatelessRST(family int, tuple session.Tuple, seg tcpseg.Segment) {
	sess := &session.Session{Tuple: tuple, Family: family, TCP: &session.TCPData{Socket: -1}}
	e.writeTCP(sess, tcpseg.FlagRST|tcpseg.FlagACK, seg.ACK, seg.SEQ.Add(seg.Len()))
}

// writeTCP frames and writes one TCP segment toward the guest: IPv4 or
// IPv6 header, TCP header, options (SYN-bearing segments only), optional
// payload, with pseudo-header checksums computed over the assembled
// buffer. SYN and SYN|ACK segments carry the MSS then window-scale
// options.
func (e *Engine) writeTCP(sess *session.Session, flags tcpseg.Flags, seq, ack crc.Seq, payload ...byte) {
	tuple := sess.Tuple
	// From the guest's perspective this segment travels from Tuple.Dst
	// to Tuple.Src (the reverse of the ingress direction).
	srcPort := tuple.Dst.Port()
	dstPort := tuple.Src.Port()
	srcAddr := tuple.Dst.Addr()
	dstAddr := tuple.Src.Addr()

	var opts []byte
	if flags.HasAny(tcpseg.FlagSYN) && sess.TCP != nil {
		mss := sess.TCP.LocalMSS
		if mss == 0 {
			mss = 1460
		}
		opts = tcpseg.AppendHandshakeOptions(nil, mss, sess.TCP.LocalWScale)
	}
	const tcpHeaderLen = 20
	doff := uint8((tcpHeaderLen + len(opts)) / 4)
	if sess.Family == 6 {
		buf := make([]byte, 40+tcpHeaderLen+len(opts)+len(payload))
		i6, _ := newIPv6Header(buf, srcAddr, dstAddr, ipv4.ProtoTCP, len(buf)-40)
		t, _ := tcpseg.NewFrame(buf[40:])
		t.SetSourcePort(srcPort)
		t.SetDestinationPort(dstPort)
		t.SetSeq(seq)
		t.SetAck(ack)
		t.SetOffsetAndFlags(doff, flags)
		t.SetWindowSize(windowFor(sess))
		copy(buf[40+tcpHeaderLen:], opts)
		copy(t.Payload(), payload)
		t.SetCRC(0)
		t.SetCRC(tcpChecksum6(i6, buf[40:]))
		e.writeToTun(buf)
		return
	}
	buf := make([]byte, 20+tcpHeaderLen+len(opts)+len(payload))
	i4 := newIPv4Header(buf, srcAddr, dstAddr, ipv4.ProtoTCP, len(buf))
	t, _ := tcpseg.NewFrame(buf[20:])
	t.SetSourcePort(srcPort)
	t.SetDestinationPort(dstPort)
	t.SetSeq(seq)
	t.SetAck(ack)
	t.SetOffsetAndFlags(doff, flags)
	t.SetWindowSize(windowFor(sess))
	copy(buf[20+tcpHeaderLen:], opts)
	copy(t.Payload(), payload)
	t.SetCRC(0)
	t.SetCRC(tcpChecksum4(i4, buf[20:]))
	i4.SetCRC(0)
	i4.SetCRC(i4.CalculateHeaderCRC())
	e.writeToTun(buf)
}

// windowFor computes the window field this engine advertises to the
// guest: the recv window right-shifted by the negotiated window scale.
func windowFor(sess *session.Session) uint16 {
	if sess.TCP == nil || sess.TCP.LocalWindow == 0 {
		return tcpDefaultWindow
	}
	w := sess.TCP.LocalWindow >> sess.TCP.LocalWScale
	if w > 0xffff {
		return 0xffff
	}
	return uint16(w)
}

func newIPv4Header(buf []byte, src, dst netip.Addr, proto ipv4.Protocol, totalLen int) ipv4.Frame {
	f, _ := ipv4.NewFrame(buf)
	f.ClearHeader()
	f.SetVersionAndIHL(4, 5)
	f.SetTotalLength(uint16(totalLen))
	f.SetTTL(64)
	f.SetProtocol(proto)
	s := src.As4()
	d := dst.As4()
	*f.SourceAddr() = s
	*f.DestinationAddr() = d
	return f
}

func tcpChecksum4(i4 ipv4.Frame, tcpBuf []byte) uint16 {
	var c crc.CRC791
	i4.CRCWriteTCPPseudo(&c)
	c.Write(tcpBuf)
	return crc.NeverZero(c.Sum16())
}
