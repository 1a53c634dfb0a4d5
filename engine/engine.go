package engine

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/userspace-net/tunrelay/netio"
	"github.com/userspace-net/tunrelay/session"
)

// Engine owns one tunnel's runtime state: the TUN fd, the epoll poller
// and self-pipe wakeup, the session table, and the immutable Config it
// was started with. Its exported methods form the host-facing
// lifecycle: Init, Start, Run, Stop, ClearSessions, Done.
type Engine struct {
	cfg   Config
	tunFd int

	poller *netio.Poller
	pipe   *netio.SelfPipe
	table  *session.Table

	stopping atomic.Bool
	running  atomic.Bool

	log *slog.Logger

	tunBuf []byte
	ipID   uint16

	// fdSessions maps a host socket fd back to the session it belongs
	// to, so a readiness event on that fd can find its session without
	// a table scan.
	fdSessions map[int]*session.Session
}

// Init prepares an Engine to run over tunFd, an already-open, configured
// TUN device file descriptor (opening the device and configuring routes
// is the host's responsibility, not this engine's). Init computes the
// session-table admission budget from the process's raised RLIMIT_NOFILE
// scaled by Config.SessionLimitPercent, capped by Config.MaxSessions.
func Init(tunFd int, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("engine: Config.Classifier is required")
	}

	hardLimit, err := netio.RaiseNoFileLimit()
	if err != nil {
		cfg.Logger.Warn("could not raise RLIMIT_NOFILE", "error", err)
		hardLimit = 1024
	}
	budget := int(hardLimit * uint64(cfg.SessionLimitPercent) / 100)
	if cfg.MaxSessions > 0 && cfg.MaxSessions < budget {
		budget = cfg.MaxSessions
	}
	if budget <= 0 {
		budget = 1
	}

	poller, err := netio.NewPoller()
	if err != nil {
		return nil, err
	}
	pipe, err := netio.NewSelfPipe()
	if err != nil {
		poller.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		tunFd:      tunFd,
		poller:     poller,
		pipe:       pipe,
		table:      session.NewTable(budget),
		log:        cfg.Logger,
		tunBuf:     make([]byte, cfg.MTU),
		fdSessions: make(map[int]*session.Session),
	}
	return e, nil
}

// writeToTun writes one framed packet toward the guest. A write error is
// logged at Debug and otherwise ignored, and a short write is not
// detected: neither resets the flow the packet belongs to, and the
// packet is not retransmitted.
func (e *Engine) writeToTun(packet []byte) {
	if e.cfg.Sniffer != nil {
		e.cfg.Sniffer(packet, DirectionOut)
	}
	if _, err := netio.Send(e.tunFd, packet); err != nil {
		e.log.Debug("tun: write failed", "error", err)
	}
}

func (e *Engine) handleICMP(family int, src, dst netip.Addr) {
	// Structural accounting only: this engine does not proxy ICMP echo
	// payloads. A real deployment observing
	// heavy ICMP traffic would want at least a synthetic admission
	// check here; none is needed since no session is created.
	_ = family
	_ = src
	_ = dst
}

// Start registers the TUN fd and the self-pipe with the poller. It must
// be called once before Run.
func (e *Engine) Start() error {
	if err := e.poller.Add(e.tunFd, true, false); err != nil {
		return fmt.Errorf("engine: register tun fd: %w", err)
	}
	if err := e.poller.Add(e.pipe.ReadFd(), true, false); err != nil {
		return fmt.Errorf("engine: register self-pipe: %w", err)
	}
	e.running.Store(true)
	e.log.Info("engine started", "mtu", e.cfg.MTU)
	return nil
}

// Stop requests the event loop in Run to exit and wakes it if it is
// currently blocked in epoll_wait. It is safe to call from any
// goroutine.
func (e *Engine) Stop() {
	e.stopping.Store(true)
	e.pipe.Wake()
}

// ClearSessions tears down every live session's host socket and empties
// the session table, waking the event loop if necessary so the closes
// are observed promptly. It is safe to call from any goroutine.
func (e *Engine) ClearSessions() {
	for _, s := range e.table.Clear() {
		e.closeSessionSocket(s)
	}
	e.pipe.Wake()
}

// Done releases the engine's resources (poller, self-pipe) after Run has
// returned. It does not close the TUN fd, which the host owns.
func (e *Engine) Done() error {
	for _, s := range e.table.Clear() {
		e.closeSessionSocket(s)
	}
	err1 := e.pipe.Close()
	err2 := e.poller.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (e *Engine) closeSessionSocket(s *session.Session) {
	switch {
	case s.TCP != nil && s.TCP.Socket >= 0:
		netio.CloseFD(s.TCP.Socket)
	case s.UDP != nil && s.UDP.Socket >= 0:
		netio.CloseFD(s.UDP.Socket)
	}
}

// nextHousekeeping returns the duration until the next housekeeping
// sweep, used to bound epoll_wait's timeout when no immediate recheck is
// pending.
func (e *Engine) nextHousekeeping(last time.Time) time.Duration {
	elapsed := time.Since(last)
	remain := e.cfg.HousekeepingInterval - elapsed
	if remain < 0 {
		return 0
	}
	return remain
}
