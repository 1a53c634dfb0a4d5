package engine

import (
	"net/netip"

	"github.com/userspace-net/tunrelay/netio"
	"github.com/userspace-net/tunrelay/session"
	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/ipv4"
	"github.com/userspace-net/tunrelay/wire/udpseg"
)

const dnsPort = 53

// udpYield bounds how many datagrams are drained from one host UDP
// socket per readiness notification, mirroring drainTun's per-fd budget
// so one chatty flow can't starve the others.
const udpYield = 16

// Maximum UDP payload per address family: the 65535-byte
// IP total-length ceiling less the IPv4/IPv6 and UDP header sizes.
const (
	udpMaxPayloadV4 = 65507
	udpMaxPayloadV6 = 65487
)

// handleUDP is the UDP relay's ingress entry point. UDP
// has no connection setup, so every datagram both looks up and may
// create its session; the DNS-redirect rule is applied exactly once, at
// session creation, keyed off the guest's original destination.
func (e *Engine) handleUDP(packet []byte, family int, payload []byte, srcAddr, dstAddr netip.Addr) {
	frm, err := udpseg.NewFrame(payload)
	if err != nil || frm.ValidateSize() != nil {
		e.log.Debug("udp: malformed datagram")
		return
	}
	tuple := session.Tuple{
		Proto: session.ProtoUDP,
		Src:   netip.AddrPortFrom(srcAddr, frm.SourcePort()),
		Dst:   netip.AddrPortFrom(dstAddr, frm.DestinationPort()),
	}

	sess := e.table.Lookup(tuple)
	if sess == nil {
		// Admission control: at budget, only datagrams
		// for existing flows get through — except DNS, which is always
		// admitted unless the host asked for port-53 traffic to be
		// treated like any other (ForwardDNS).
		dns := frm.DestinationPort() == dnsPort && !e.cfg.ForwardDNS
		if e.table.Full() && !dns {
			e.log.Debug("udp: session table full, dropping datagram")
			return
		}
		v := e.cfg.Classifier(packet, DirectionIn)
		if !v.Allow {
			if frm.DestinationPort() == dnsPort {
				// A denied DNS query gets a synthesized answer with the
				// configured response code, so the guest's resolver
				// fails fast instead of retrying into a black hole.
				e.writeBlockedDNSReply(tuple, family, frm.Payload())
			}
			return
		}
		sess = e.newUDPSession(tuple, family)
		sess.UID = v.UID
		// The table stays keyed by the guest-visible tuple; a redirect
		// only changes where the host socket sends.
		if v.Redirect.IsValid() {
			sess.UDP.Upstream = v.Redirect
		} else if dstAddr == e.cfg.DNSRedirectFrom && frm.DestinationPort() == dnsPort {
			sess.UDP.Upstream = netip.AddrPortFrom(e.cfg.DNSRedirectTo, dnsPort)
		}
		fd, err := netio.OpenUDPSocket(sess.UDP.Upstream)
		if err != nil {
			e.log.Debug("udp: open socket failed", "error", err)
			return
		}
		sess.UDP.Socket = fd
		if dns {
			e.table.ForceInsert(sess)
		} else if err := e.table.Insert(sess); err != nil {
			e.log.Debug("udp: session table full")
			netio.CloseFD(fd)
			return
		}
		e.poller.Add(fd, true, false)
		e.fdSessions[fd] = sess
	} else {
		if v := e.cfg.Classifier(packet, DirectionIn); !v.Allow {
			if frm.DestinationPort() == dnsPort {
				e.writeBlockedDNSReply(tuple, family, frm.Payload())
			}
			return
		}
		sess.Touch(nowFunc())
	}

	if err := netio.SendTo(sess.UDP.Socket, frm.Payload(), sess.UDP.Upstream); err != nil {
		e.log.Debug("udp: send failed", "error", err)
	}
}

func (e *Engine) newUDPSession(tuple session.Tuple, family int) *session.Session {
	mss := udpMaxPayloadV4
	if family == 6 {
		mss = udpMaxPayloadV6
	}
	return &session.Session{
		Tuple:    tuple,
		Family:   family,
		LastUsed: nowFunc(),
		UDP:      &session.UDPData{Socket: -1, State: session.UDPActive, MSS: mss, Upstream: tuple.Dst},
	}
}

// onUDPSocketReadable drains up to udpYield reply datagrams from the
// host socket back to the guest. A port-53 flow moves to FINISHING
// after its first reply, redirected or not, since a resolver almost
// never sends a second datagram on the same socket; the reaper, not
// this read path, is what actually reclaims it.
func (e *Engine) onUDPSocketReadable(sess *session.Session) {
	buf := make([]byte, sess.UDP.MSS)
	for i := 0; i < udpYield; i++ {
		n, err := netio.Recv(sess.UDP.Socket, buf)
		if err != nil {
			if netio.IsTemporary(err) {
				return
			}
			e.teardownUDP(sess)
			return
		}
		if n == 0 {
			return
		}
		e.writeUDP(sess, buf[:n])
		if sess.Tuple.Dst.Port() == dnsPort {
			sess.UDP.State = session.UDPFinishing
			return
		}
	}
}

// writeBlockedDNSReply answers a classifier-denied DNS query with an
// empty response carrying Config.BlockedDNSRCode: the query's header is
// echoed with QR and RA set, the answer counts zeroed, and the question
// section preserved. No session is created for the flow.
func (e *Engine) writeBlockedDNSReply(tuple session.Tuple, family int, query []byte) {
	const dnsHeaderLen = 12
	if len(query) < dnsHeaderLen {
		return
	}
	reply := append([]byte(nil), query...)
	reply[2] |= 0x80  // QR: this is a response
	reply[2] &^= 0x02 // TC clear
	reply[3] = 0x80 | (e.cfg.BlockedDNSRCode & 0x0f) // RA set, RCODE
	reply[6], reply[7] = 0, 0   // ANCOUNT
	reply[8], reply[9] = 0, 0   // NSCOUNT
	reply[10], reply[11] = 0, 0 // ARCOUNT

	sess := e.newUDPSession(tuple, family)
	e.writeUDP(sess, reply)
}

func (e *Engine) teardownUDP(sess *session.Session) {
	if sess.UDP.Socket >= 0 {
		e.poller.Remove(sess.UDP.Socket)
		delete(e.fdSessions, sess.UDP.Socket)
		netio.CloseFD(sess.UDP.Socket)
		sess.UDP.Socket = -1
	}
	sess.UDP.State = session.UDPClosed
	e.table.Remove(sess)
}

// writeUDP frames one datagram toward the guest. Replies are always
// framed with the guest-visible Tuple.Dst as their source, so a
// redirected flow's guest never observes the real upstream's address.
func (e *Engine) writeUDP(sess *session.Session, payload []byte) {
	srcAddr := sess.Tuple.Dst.Addr()
	srcPort := sess.Tuple.Dst.Port()
	dstAddr := sess.Tuple.Src.Addr()
	dstPort := sess.Tuple.Src.Port()

	const udpHeaderLen = 8
	if sess.Family == 6 {
		buf := make([]byte, 40+udpHeaderLen+len(payload))
		i6, _ := newIPv6Header(buf, srcAddr, dstAddr, ipv4.ProtoUDP, udpHeaderLen+len(payload))
		u, _ := udpseg.NewFrame(buf[40:])
		u.SetSourcePort(srcPort)
		u.SetDestinationPort(dstPort)
		u.SetLength(uint16(udpHeaderLen + len(payload)))
		copy(u.Payload(), payload)
		u.SetCRC(0)
		u.SetCRC(udpChecksum6(i6, buf[40:]))
		e.writeToTun(buf)
		return
	}
	buf := make([]byte, 20+udpHeaderLen+len(payload))
	i4 := newIPv4Header(buf, srcAddr, dstAddr, ipv4.ProtoUDP, len(buf))
	u, _ := udpseg.NewFrame(buf[20:])
	u.SetSourcePort(srcPort)
	u.SetDestinationPort(dstPort)
	u.SetLength(uint16(udpHeaderLen + len(payload)))
	copy(u.Payload(), payload)
	u.SetCRC(0)
	u.SetCRC(udpChecksum4(i4, buf[20:]))
	i4.SetCRC(0)
	i4.SetCRC(i4.CalculateHeaderCRC())
	e.writeToTun(buf)
}

func udpChecksum4(i4 ipv4.Frame, udpBuf []byte) uint16 {
	var c crc.CRC791
	i4.CRCWriteUDPPseudo(&c, uint16(len(udpBuf)))
	c.Write(udpBuf)
	return crc.NeverZero(c.Sum16())
}
