// Package engine implements the core: a TUN-terminating, single-threaded
// cooperative event loop that demultiplexes guest IP traffic into
// per-flow sessions and proxies each flow through host kernel sockets,
// optionally via a SOCKS5 egress proxy.
package engine

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/userspace-net/tunrelay/socks5"
)

// DefaultMTU is the tunnel's link MTU. The guest must never see a larger
// MTU advertised than this, since the engine's packet buffers are sized
// from it.
const DefaultMTU = 10000

// Default DNS redirect: guest queries sent to 198.18.0.1:53 are
// rewritten to the real upstream resolver and the reply's source address
// is rewritten back, so the guest never learns the real resolver's
// address.
var (
	DefaultDNSRedirectFrom = netip.MustParseAddr("198.18.0.1")
	DefaultDNSRedirectTo   = netip.MustParseAddr("1.1.1.1")
)

// Direction indicates which way a packet is travelling through the
// engine, for the Sniffer and ProtocolFilter hooks.
type Direction uint8

const (
	DirectionIn  Direction = iota // guest -> host, read off the TUN device
	DirectionOut                  // host -> guest, about to be written to the TUN device
)

// Verdict is the admission decision a Classifier returns for a packet.
type Verdict struct {
	Allow bool
	// UID optionally identifies the local app/uid responsible for the
	// packet, when the host platform can supply it (e.g. via a
	// /proc/net lookup); zero value means unknown.
	UID int
	// Redirect optionally overrides the packet's destination, taking
	// effect before a new session is created for it.
	Redirect netip.AddrPort
}

// Classifier is the host policy seam:
// called once per new flow (and, for UDP, on each datagram since UDP has
// no connection setup) to decide whether the flow is admitted and
// whether its destination should be redirected. The packet slice is
// borrowed for the duration of the call only; the engine reuses the
// underlying buffer on the next TUN read.
type Classifier func(packet []byte, dir Direction) Verdict

// Sniffer is an optional hook invoked with a borrowed view of every
// packet crossing the tunnel in either direction, before any admission
// decision is made. A nil Sniffer disables the hook entirely, avoiding
// the cost of the call.
type Sniffer func(packet []byte, dir Direction)

// ProtocolFilter is an optional per-protocol admission hook, invoked once
// the IP header has been validated (and, for IPv6, its extension headers
// walked), before the transport header is parsed and before the
// demultiplexer consults Classifier. The packet slice is borrowed for the
// duration of the call only. Returning false drops the packet silently
// for every protocol: unlike a Classifier denial, no RST, no synthesized
// DNS answer and no session result from it.
type ProtocolFilter func(packet []byte, dir Direction) bool

// Config configures one Engine instance. It is copied into the Engine at
// Init and is immutable for the tunnel's lifetime — there is no mutable
// package-global configuration (SOCKS5 or otherwise) to avoid data races
// between the event-loop goroutine and a host thread calling Stop or
// ClearSessions.
type Config struct {
	// MTU overrides DefaultMTU when non-zero.
	MTU int

	// MaxSessions caps the absolute size of the session table
	// regardless of RLIMIT_NOFILE; SessionLimitPercent caps it as a
	// percentage of the process's raised file-descriptor hard limit.
	// The effective budget is min(MaxSessions, hardlimit*SessionLimitPercent/100).
	MaxSessions         int
	SessionLimitPercent int

	// HousekeepingInterval is how often the reaper's full per-session
	// timeout sweep runs; between sweeps the event loop still services
	// readiness and recomputes epoll_wait's timeout from the nearest
	// upcoming deadline.
	HousekeepingInterval time.Duration

	// DNSRedirectFrom/To implement the UDP relay's DNS-redirect rule: a
	// guest datagram to DNSRedirectFrom:53 is transparently relayed to
	// DNSRedirectTo:53, and the reply's source
	// address is rewritten back to DNSRedirectFrom so the guest never
	// observes the real resolver.
	DNSRedirectFrom netip.Addr
	DNSRedirectTo   netip.Addr

	// ForwardDNS treats port-53 flows like any other UDP traffic. When
	// false (the default), DNS datagrams bypass the session-table
	// admission gate: a full table still accepts a new port-53 flow, on
	// the theory that refusing name resolution wedges the guest far
	// harder than one extra session slot costs.
	ForwardDNS bool

	// BlockedDNSRCode is the DNS response code returned to the guest
	// when the Classifier denies a port-53 UDP query: instead of
	// silently dropping the query (leaving the guest's resolver to
	// retry until timeout), the engine synthesizes an empty answer with
	// this code. 0 means NXDOMAIN (3).
	BlockedDNSRCode uint8

	// SOCKS5 configures an optional egress proxy for all TCP flows; nil
	// disables it and connects directly to each flow's destination.
	SOCKS5 *socks5.Config

	// VerifyChecksums enables ingress verification of the IPv4 header
	// checksum: a packet that fails it is logged at Debug and dropped.
	// TCP/UDP checksums and IPv6 packets are not verified. Off by default:
	// the kernel and the guest stack already checksum everything, so
	// verifying again on ingress only costs hot-path cycles.
	VerifyChecksums bool

	Classifier Classifier
	Sniffer    Sniffer
	FilterTCP  ProtocolFilter
	FilterUDP  ProtocolFilter
	FilterICMP ProtocolFilter

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.HousekeepingInterval == 0 {
		cfg.HousekeepingInterval = 1 * time.Second
	}
	if cfg.SessionLimitPercent == 0 {
		cfg.SessionLimitPercent = 90
	}
	if cfg.BlockedDNSRCode == 0 {
		cfg.BlockedDNSRCode = 3 // NXDOMAIN
	}
	if !cfg.DNSRedirectFrom.IsValid() {
		cfg.DNSRedirectFrom = DefaultDNSRedirectFrom
	}
	if !cfg.DNSRedirectTo.IsValid() {
		cfg.DNSRedirectTo = DefaultDNSRedirectTo
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
