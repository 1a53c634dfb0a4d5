package engine

import (
	"time"

	"github.com/userspace-net/tunrelay/netio"
	"github.com/userspace-net/tunrelay/session"
	"github.com/userspace-net/tunrelay/wire/tcpseg"
)

// tunYield bounds how many packets are drained from the TUN device in
// one readiness notification before returning control to epoll_wait, so
// a sustained flood on one fd can't starve the others.
const tunYield = 64

// Run is the cooperative event loop: a single goroutine
// that waits on epoll for TUN readiness, host-socket readiness, and the
// self-pipe wakeup, dispatching each in turn, and periodically sweeps
// the session table for idle flows to reap. Run blocks until Stop is
// called and returns once the loop has drained its final tick.
func (e *Engine) Run() error {
	var events []netio.Event
	lastSweep := nowFunc()

	for !e.stopping.Load() {
		timeout := e.nextHousekeeping(lastSweep)
		var err error
		events, err = e.poller.Wait(events[:0], int(timeout/time.Millisecond)+1)
		if err != nil {
			return err
		}
		for _, ev := range events {
			e.dispatchEvent(ev)
		}
		if time.Since(lastSweep) >= e.cfg.HousekeepingInterval {
			e.monitorTCP()
			e.reap()
			lastSweep = nowFunc()
		}
	}
	return nil
}

func (e *Engine) dispatchEvent(ev netio.Event) {
	switch {
	case ev.Fd == e.tunFd:
		e.drainTun()
	case ev.Fd == e.pipe.ReadFd():
		e.pipe.Drain()
	default:
		sess, ok := e.fdSessions[ev.Fd]
		if !ok {
			return
		}
		e.dispatchSocketEvent(sess, ev)
	}
}

func (e *Engine) dispatchSocketEvent(sess *session.Session, ev netio.Event) {
	switch {
	case sess.TCP != nil:
		if ev.Err || ev.HUp {
			e.writeTCP(sess, tcpseg.FlagRST, sess.TCP.LocalSeq, sess.TCP.RemoteSeq)
			e.teardownTCP(sess)
			return
		}
		if ev.Out {
			e.onTCPSocketWritable(sess)
		}
		if ev.In {
			e.onTCPSocketReadable(sess)
		}
	case sess.UDP != nil:
		if ev.Err {
			e.teardownUDP(sess)
			return
		}
		if ev.In {
			e.onUDPSocketReadable(sess)
		}
	}
}

func (e *Engine) drainTun() {
	for i := 0; i < tunYield; i++ {
		n, err := netio.Recv(e.tunFd, e.tunBuf)
		if err != nil || n <= 0 {
			return
		}
		e.handleIP(e.tunBuf[:n])
	}
}

// reap sweeps the session table once per housekeeping tick. TCP gets a
// two-phase shutdown: a session in CLOSING has its host
// socket closed and moves to CLOSE, and only a session already in CLOSE
// for longer than TCP_KEEP_TIMEOUT is actually removed from the table;
// LISTEN fast-paths straight to CLOSING without an RST, since no host
// socket handshake with the guest has happened yet, and every other
// non-terminal state gets an RST before moving to CLOSING. UDP has no
// such grace period: a session is removed outright once idle past its
// timeout or once it is FINISHING. ICMP has no sessions to reap.
func (e *Engine) reap() {
	now := nowFunc()
	load := e.table.LoadFactor()
	var closing, closed, expired []*session.Session
	e.table.Each(func(s *session.Session) {
		switch {
		case s.TCP != nil:
			switch s.TCP.State {
			case tcpseg.StateClosing:
				closing = append(closing, s)
			case tcpseg.StateClosed:
				if now.Sub(s.LastUsed) >= session.TCPKeepTimeout(load) {
					closed = append(closed, s)
				}
			default:
				if now.Sub(s.LastUsed) >= session.TCPTimeout(s.TCP.State, load) {
					expired = append(expired, s)
				}
			}
		case s.UDP != nil:
			dns := s.Tuple.Dst.Port() == dnsPort
			if s.UDP.State == session.UDPFinishing ||
				now.Sub(s.LastUsed) >= session.UDPTimeout(dns, load) {
				expired = append(expired, s)
			}
		}
	})
	for _, s := range closing {
		e.closeTCPSocket(s)
		s.TCP.State = tcpseg.StateClosed
		s.Touch(now)
	}
	for _, s := range closed {
		e.teardownTCP(s)
	}
	for _, s := range expired {
		switch {
		case s.TCP != nil:
			if s.TCP.State != tcpseg.StateListen {
				e.writeTCP(s, tcpseg.FlagRST, s.TCP.LocalSeq, s.TCP.RemoteSeq)
			}
			s.TCP.State = tcpseg.StateClosing
			s.Touch(now)
		case s.UDP != nil:
			e.teardownUDP(s)
		}
	}
}

// monitorTCP runs once per housekeeping tick over every TCP session:
// it recomputes each host socket's epoll subscription mask — EPOLLOUT
// while the forward-queue
// head is ready to send, EPOLLIN while the send window has room and the
// queue isn't head-of-line blocked — and emits a zero-window keep-alive
// probe for every established session whose send window has dropped to
// zero, at most once per tick. The probe acks remote_seq-1, an
// already-acknowledged byte, so the guest answers with a window
// update without its stream state moving.
func (e *Engine) monitorTCP() {
	now := nowFunc()
	e.table.Each(func(s *session.Session) {
		td := s.TCP
		if td == nil {
			return
		}
		switch td.State {
		case tcpseg.StateEstablished, tcpseg.StateCloseWait:
		default:
			// Pre-handshake sessions manage their own masks (the
			// connect/SOCKS5 paths); closing ones are the reaper's.
			return
		}
		if td.Socket >= 0 {
			front, queued := td.ForwardQueue.Front()
			out := queued && front.Seq == td.RemoteSeq
			in := availableSendWindow(td) > 0 && !(queued && front.Seq != td.RemoteSeq)
			e.poller.Modify(td.Socket, in, out)
		}
		if td.State != tcpseg.StateEstablished || availableSendWindow(td) != 0 {
			return
		}
		if now.Sub(td.LastKeepAlive) < e.cfg.HousekeepingInterval {
			return
		}
		e.writeTCP(s, tcpseg.FlagACK, td.LocalSeq, td.RemoteSeq.Add(^uint32(0)))
		td.LastKeepAlive = now
	})
}
