package session

import (
	"time"

	"github.com/userspace-net/tunrelay/wire/tcpseg"
)

// Base idle timeouts per TCP state before load-scaling: established
// connections
// get a generous idle allowance, everything mid-handshake or mid-close
// gets progressively shorter ones since a stuck handshake or half-close
// is far more likely to be abandoned than a live, established transfer.
const (
	tcpTimeoutSynRecv     = 30 * time.Second
	tcpTimeoutEstablished = 24 * time.Hour
	tcpTimeoutCloseWait   = 10 * time.Second
	tcpTimeoutFinWait1    = 20 * time.Second
	tcpTimeoutLastAck     = 20 * time.Second
	tcpTimeoutClosing     = 20 * time.Second

	// UDP has no handshake states: an active flow (most commonly DNS)
	// times out quickly, while anything resembling a long-lived
	// tunnel gets a longer allowance.
	udpTimeoutActive = 1 * time.Minute
	udpTimeoutDNS    = 15 * time.Second

	// tcpTimeoutKeep bounds how long a session sits in CLOSE (its
	// socket already closed) before the reaper removes it from the
	// table outright, giving any in-flight duplicate/retransmitted
	// segment a short window to hit the "session in CLOSING/CLOSE: RST
	// and drop" path instead of looking like an unknown flow.
	tcpTimeoutKeep = 5 * time.Second
)

// TCPTimeout returns the idle timeout for a TCP session in the given
// state, scaled down as the session table fills: the busier the table,
// the more aggressively idle flows are reclaimed to make room for new
// ones. load is Table.LoadFactor(), in [0,1].
func TCPTimeout(state tcpseg.State, load float64) time.Duration {
	var base time.Duration
	switch state {
	case tcpseg.StateListen, tcpseg.StateSynRecv:
		base = tcpTimeoutSynRecv
	case tcpseg.StateEstablished:
		base = tcpTimeoutEstablished
	case tcpseg.StateCloseWait:
		base = tcpTimeoutCloseWait
	case tcpseg.StateFinWait1:
		base = tcpTimeoutFinWait1
	case tcpseg.StateLastAck:
		base = tcpTimeoutLastAck
	case tcpseg.StateClosing:
		base = tcpTimeoutClosing
	default:
		base = tcpTimeoutCloseWait
	}
	return scale(base, load)
}

// TCPKeepTimeout returns how long a CLOSE session (its socket already
// closed) is kept in the table before the reaper removes it outright,
// scaled by table load the same way TCPTimeout is.
func TCPKeepTimeout(load float64) time.Duration {
	return scale(tcpTimeoutKeep, load)
}

// UDPTimeout returns the idle timeout for a UDP session, scaled by
// table load the same way TCPTimeout is. dns flows (any flow to
// destination port 53) use a much shorter timeout since a DNS
// reply almost always arrives within a second or two and holding the
// flow open longer only wastes a table slot.
func UDPTimeout(dns bool, load float64) time.Duration {
	base := udpTimeoutActive
	if dns {
		base = udpTimeoutDNS
	}
	return scale(base, load)
}

// scale shrinks base proportionally to (1 - load), with a floor so a
// nearly-full table still allows a minimal grace period rather than
// reaping sessions instantly.
func scale(base time.Duration, load float64) time.Duration {
	if load < 0 {
		load = 0
	} else if load > 1 {
		load = 1
	}
	factor := 1 - load
	const floor = 0.05
	if factor < floor {
		factor = floor
	}
	return time.Duration(float64(base) * factor)
}
