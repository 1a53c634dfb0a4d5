// Package session holds the per-flow session table: the tagged-union
// Session type, its Tuple key, the Table with its admission budget, and
// the reaper's timeout formulas. The engine owns the table together with
// the event-loop wakeup pipe.
package session

import (
	"net/netip"
	"sync"
	"time"

	"github.com/userspace-net/tunrelay/socks5"
	"github.com/userspace-net/tunrelay/wire/crc"
	"github.com/userspace-net/tunrelay/wire/tcpseg"
)

// Protocol identifies which union member of Session is populated.
type Protocol uint8

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoICMP
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// Tuple is the 6-tuple key identifying one flow: protocol, address
// family, and both endpoints. It is the uniqueness key the session
// table is keyed by (invariant: no two live sessions share a Tuple).
type Tuple struct {
	Proto Protocol
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

// TCPData holds the attributes specific to a proxied TCP flow.
type TCPData struct {
	State State

	// RemoteSeq is the next sequence number expected from the guest (our
	// receive-next). LocalSeq is the next sequence number we will send
	// toward the guest (our send-next). Acked is the highest sequence
	// number the guest has actually acknowledged back to us, always
	// trailing LocalSeq (invariant: Acked <= LocalSeq).
	RemoteSeq crc.Seq
	LocalSeq  crc.Seq
	Acked     crc.Seq
	// RemoteWindow is the guest's last-advertised receive window before
	// any scaling is applied.
	RemoteWindow uint32
	LocalWindow  uint32
	// RemoteWScale is the window-scale shift the guest advertised on its
	// SYN (0 if it sent none); LocalWScale is the shift this endpoint
	// advertises back. SendWindow is RemoteWindow already shifted by
	// RemoteWScale, the number of additional bytes this endpoint may
	// have outstanding toward the guest.
	RemoteWScale uint8
	LocalWScale  uint8
	SendWindow   uint32
	LocalMSS     uint16
	RemoteMSS    uint16

	// Unconfirmed counts outgoing data segments sent toward the guest
	// since its last ACK; it resets to zero whenever a new inbound
	// segment refreshes the window.
	Unconfirmed uint32
	// LastKeepAlive records when a zero-window keep-alive probe was
	// last answered or emitted, so the housekeeping pass emits at most
	// one keep-alive ACK per tick.
	LastKeepAlive time.Time
	// FinPending records a guest FIN received while the forward queue
	// still held undelivered data: remote_seq only advances past it,
	// and the ACK is only sent, once the queue drains.
	FinPending bool
	// Sent and Received count payload bytes relayed toward the guest
	// and toward the host respectively, for diagnostics.
	Sent     uint64
	Received uint64

	// Socket is the host-side fd proxying this flow; -1 until opened.
	Socket int
	// Upstream is where the host socket actually connects: the flow's
	// Tuple.Dst unless the classifier redirected it. The Tuple itself
	// always keeps the guest-visible endpoints, since it is the table
	// key every subsequent guest segment is looked up by.
	Upstream netip.AddrPort
	// ForwardQueue holds guest-originated data pending delivery to the
	// host socket, reassembled in order and drained as the host socket
	// becomes writable.
	ForwardQueue tcpseg.ForwardQueue

	// SOCKS5 tracks an in-progress proxy handshake; State is
	// socks5.StateNone when no proxy is configured for this flow.
	SOCKS5 SOCKS5State
}

// SOCKS5State is the embedded SOCKS5 client sub-state machine for a TCP session.
type SOCKS5State struct {
	State  socks5.State
	Config *socks5.Config
	// Target is the destination the CONNECT request asks the proxy to
	// reach once the handshake's HELLO/AUTH phases complete: the guest's
	// original destination, or the classifier's redirect target.
	Target netip.AddrPort
}

// UDPState enumerates the lifecycle phases of a proxied UDP flow:
// ACTIVE accepts datagrams in both directions, FINISHING
// has seen its one expected reply (a flow to destination port 53 after
// its first reply) and is awaiting reap, CLOSED's socket has already
// been torn down.
type UDPState uint8

const (
	UDPActive UDPState = iota
	UDPFinishing
	UDPClosed
)

func (s UDPState) String() string {
	switch s {
	case UDPActive:
		return "ACTIVE"
	case UDPFinishing:
		return "FINISHING"
	case UDPClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// UDPData holds the attributes specific to a proxied UDP flow.
type UDPData struct {
	Socket int
	State  UDPState
	// MSS bounds the per-datagram receive buffer (65507 for IPv4,
	// 65487 for IPv6, the largest payload each family can carry).
	MSS int
	// Upstream is where datagrams are actually sent: the flow's
	// Tuple.Dst unless the DNS-redirect rule or the classifier
	// rewrote it. The Tuple keeps the guest-visible endpoints, both as
	// the table key and as the source address replies are framed with,
	// so the guest never observes the real upstream's address.
	Upstream netip.AddrPort
}

// ICMPData is the ICMP member of the Session union. The engine creates
// no ICMP sessions and does not proxy echo payloads.
type ICMPData struct{}

// State is tcpseg.State, the TCP connection state a TCPData carries.
// UDP flows track their lifecycle with UDPState instead.
type State = tcpseg.State

// Session is one entry in the session table: a tagged union over the
// three protocols this engine proxies, plus the bookkeeping every
// session needs regardless of protocol (last-activity timestamp for the
// reaper, and the IPv4/IPv6 family it belongs to).
type Session struct {
	Tuple    Tuple
	Family   int // 4 or 6
	LastUsed time.Time
	// UID is the guest-side app/uid the classifier attributed this flow
	// to, when the host platform can supply one; 0 means unknown.
	UID int

	TCP  *TCPData
	UDP  *UDPData
	ICMP *ICMPData

	prev, next *Session
}

// IsTCP, IsUDP, IsICMP report which union member is populated.
func (s *Session) IsTCP() bool  { return s.TCP != nil }
func (s *Session) IsUDP() bool  { return s.UDP != nil }
func (s *Session) IsICMP() bool { return s.ICMP != nil }

// Touch refreshes the session's last-activity timestamp, used by the
// reaper's load-scaled timeout calculation.
func (s *Session) Touch(now time.Time) { s.LastUsed = now }

// Table is the session table: a map for O(1) tuple lookup plus an
// intrusive doubly-linked list in insertion order for deterministic
// reap iteration: tuple uniqueness comes from the map, stable reap
// order from the list.
type Table struct {
	mu        sync.Mutex
	byTuple   map[Tuple]*Session
	head, tail *Session
	maxSize   int
}

// NewTable creates an empty table admitting at most maxSize sessions.
func NewTable(maxSize int) *Table {
	return &Table{
		byTuple: make(map[Tuple]*Session),
		maxSize: maxSize,
	}
}

// Len returns the current number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTuple)
}

// LoadFactor returns sessions/maxsessions in [0,1], used to scale reaper
// timeouts down as the table fills.
func (t *Table) LoadFactor() float64 {
	t.mu.Lock()
	n := len(t.byTuple)
	max := t.maxSize
	t.mu.Unlock()
	if max <= 0 {
		return 0
	}
	return float64(n) / float64(max)
}

// Lookup returns the session keyed by tuple, if any.
func (t *Table) Lookup(tuple Tuple) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byTuple[tuple]
}

// Full reports whether the table is at its admission budget, letting a
// caller reject a new flow before doing any work to build a session for
// it.
func (t *Table) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTuple) >= t.maxSize
}

// ErrTableFull is returned by Insert when the table is at its admission
// budget.
var ErrTableFull = tableFullError{}

type tableFullError struct{}

func (tableFullError) Error() string { return "session: table full" }

// Insert adds s to the table, keyed by s.Tuple. It returns ErrTableFull
// if the table is already at capacity.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.byTuple) >= t.maxSize {
		return ErrTableFull
	}
	t.link(s)
	return nil
}

// ForceInsert adds s to the table even when the admission budget is
// already spent. DNS flows use this: a guest that cannot resolve names
// is wedged far harder than one over-budget slot costs, so port-53
// traffic is admitted past the budget rather than dropped.
func (t *Table) ForceInsert(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.link(s)
}

func (t *Table) link(s *Session) {
	t.byTuple[s.Tuple] = s
	if t.tail == nil {
		t.head, t.tail = s, s
	} else {
		t.tail.next = s
		s.prev = t.tail
		t.tail = s
	}
}

// Remove deletes s from the table.
func (t *Table) Remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byTuple, s.Tuple)
	if s.prev != nil {
		s.prev.next = s.next
	} else if t.head == s {
		t.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else if t.tail == s {
		t.tail = s.prev
	}
	s.prev, s.next = nil, nil
}

// Each calls fn for every session in insertion order. fn may be called
// while the table's lock is held internally per-step, but the session
// pointers themselves are only safe to use from the single event-loop
// goroutine (the table only guards the list/map structure, not Session
// field access — matching the single-threaded cooperative design the
// rest of the engine relies on).
func (t *Table) Each(fn func(*Session)) {
	t.mu.Lock()
	cur := t.head
	t.mu.Unlock()
	for cur != nil {
		next := cur.next
		fn(cur)
		cur = next
	}
}

// Clear removes every session from the table, returning them in
// iteration order so the caller can close their sockets.
func (t *Table) Clear() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byTuple))
	for cur := t.head; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	t.byTuple = make(map[Tuple]*Session)
	t.head, t.tail = nil, nil
	return out
}

// FamilyOf returns 4 or 6 for the given address, used when constructing
// a Session's Family field from a parsed packet's endpoints.
func FamilyOf(a netip.Addr) int {
	if a.Is4() || a.Is4In6() {
		return 4
	}
	return 6
}
