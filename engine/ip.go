package engine

import (
	"net/netip"

	"github.com/userspace-net/tunrelay/wire/ipv4"
	"github.com/userspace-net/tunrelay/wire/ipv6"
)

// handleIP is the IP demultiplexer: it reads one raw IP
// packet off the TUN device, validates it, resolves the transport-layer
// header (walking IPv6 extension headers if present), runs the optional
// sniffer and per-protocol filter hooks, and dispatches to the TCP/UDP
// engines. ICMP and ICMPv6 pass the protocol switch but create no
// session and are not proxied.
func (e *Engine) handleIP(packet []byte) {
	if e.cfg.Sniffer != nil {
		e.cfg.Sniffer(packet, DirectionIn)
	}
	if len(packet) < 1 {
		return
	}
	version := packet[0] >> 4
	switch version {
	case 4:
		e.handleIPv4(packet)
	case 6:
		e.handleIPv6(packet)
	default:
		e.log.Debug("dropping packet with unknown IP version", "version", version)
	}
}

func (e *Engine) handleIPv4(packet []byte) {
	frm, err := ipv4.NewFrame(packet)
	if err != nil {
		e.log.Debug("ipv4: short packet", "error", err)
		return
	}
	if err := frm.ValidateSize(); err != nil {
		e.log.Debug("ipv4: invalid size fields", "error", err)
		return
	}
	fl := frm.Flags()
	if fl&ipv4.FlagMoreFrag != 0 || fl.FragmentOffset() != 0 {
		// Fragmentation/reassembly is out of scope: a fragmented
		// datagram cannot be demultiplexed without its later
		// fragments, so it is dropped rather than misinterpreted.
		e.log.Debug("ipv4: dropping fragment")
		return
	}
	if e.cfg.VerifyChecksums && frm.CRC() != frm.CalculateHeaderCRC() {
		e.log.Debug("ipv4: bad header checksum")
		return
	}
	src := netip.AddrFrom4(*frm.SourceAddr())
	dst := netip.AddrFrom4(*frm.DestinationAddr())
	e.dispatchTransport(packet, frm.Protocol(), 4, frm.Payload(), src, dst)
}

func (e *Engine) handleIPv6(packet []byte) {
	frm, err := ipv6.NewFrame(packet)
	if err != nil {
		e.log.Debug("ipv6: short packet", "error", err)
		return
	}
	if err := frm.ValidateSize(); err != nil {
		e.log.Debug("ipv6: invalid size fields", "error", err)
		return
	}
	proto, off := frm.NextTransportHeader()
	payload := frm.Payload()[off:]
	src := netip.AddrFrom16(*frm.SourceAddr())
	dst := netip.AddrFrom16(*frm.DestinationAddr())
	e.dispatchTransport(packet, proto, 6, payload, src, dst)
}

// dispatchTransport runs the per-protocol filter hook and, if admitted,
// hands the transport-layer payload to the matching protocol engine.
// packet is the whole IP datagram (needed by TCP/UDP handlers to frame
// their own reply, which reuses the same underlying header layout).
func (e *Engine) dispatchTransport(packet []byte, proto ipv4.Protocol, family int, payload []byte, src, dst netip.Addr) {
	switch proto {
	case ipv4.ProtoTCP:
		if e.cfg.FilterTCP != nil && !e.cfg.FilterTCP(packet, DirectionIn) {
			return
		}
		e.handleTCP(packet, family, payload, src, dst)
	case ipv4.ProtoUDP:
		if e.cfg.FilterUDP != nil && !e.cfg.FilterUDP(packet, DirectionIn) {
			return
		}
		e.handleUDP(packet, family, payload, src, dst)
	case ipv4.ProtoICMP, ipv4.ProtoICMPv6:
		if e.cfg.FilterICMP != nil && !e.cfg.FilterICMP(packet, DirectionIn) {
			return
		}
		e.handleICMP(family, src, dst)
	default:
		e.log.Debug("dropping packet with unhandled protocol", "protocol", proto.String())
	}
}
