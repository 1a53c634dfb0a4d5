// Package netio wraps the non-blocking socket and epoll primitives the
// event loop and TCP/UDP engines need: readiness multiplexing, raw
// socket-option access (SIOCOUTQ, SO_SNDBUF, SO_BROADCAST, multicast
// group membership), and a self-pipe for cross-thread wakeups.
package netio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is a readiness notification for one registered fd.
type Event struct {
	Fd    int
	In    bool
	Out   bool
	Err   bool
	HUp   bool
}

// Poller wraps a Linux epoll instance.
type Poller struct {
	epfd int
}

// NewPoller creates a new epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netio: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error { return unix.Close(p.epfd) }

// Add registers fd for the given readiness interests.
func (p *Poller) Add(fd int, in, out bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: eventMask(in, out)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify updates fd's registered readiness interests.
func (p *Poller) Modify(fd int, in, out bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: eventMask(in, out)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deregisters fd. It is not an error if fd was already removed
// (e.g. because closing the fd implicitly dropped it from the epoll set).
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func eventMask(in, out bool) uint32 {
	var m uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if in {
		m |= unix.EPOLLIN
	}
	if out {
		m |= unix.EPOLLOUT
	}
	return m
}

// Wait blocks up to timeoutMillis (-1 for indefinitely) and appends
// ready events to dst, returning the extended slice. It tolerates EINTR
// by retrying internally.
func (p *Poller) Wait(dst []Event, timeoutMillis int) ([]Event, error) {
	var raw [64]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, raw[:], timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, fmt.Errorf("netio: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			e := raw[i]
			dst = append(dst, Event{
				Fd:  int(e.Fd),
				In:  e.Events&unix.EPOLLIN != 0,
				Out: e.Events&unix.EPOLLOUT != 0,
				Err: e.Events&unix.EPOLLERR != 0,
				HUp: e.Events&unix.EPOLLHUP != 0,
			})
		}
		return dst, nil
	}
}

// SelfPipe is a pipe used to wake the event loop from another thread
// (e.g. a call to Stop or ClearSessions arriving from outside the loop
// goroutine). Wake writes a single byte that wakes Wait; Drain consumes
// whatever has accumulated.
type SelfPipe struct {
	r, w int
}

// NewSelfPipe creates a non-blocking pipe pair.
func NewSelfPipe() (*SelfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("netio: pipe2: %w", err)
	}
	return &SelfPipe{r: fds[0], w: fds[1]}, nil
}

// ReadFd is the fd to register with a Poller for EPOLLIN readiness.
func (s *SelfPipe) ReadFd() int { return s.r }

// Wake writes a single byte, waking anyone blocked in epoll_wait on ReadFd.
func (s *SelfPipe) Wake() error {
	_, err := unix.Write(s.w, []byte{0})
	if err == unix.EAGAIN {
		return nil // already has a pending wakeup queued
	}
	return err
}

// Drain consumes any pending wakeup bytes.
func (s *SelfPipe) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close closes both ends of the pipe.
func (s *SelfPipe) Close() error {
	err1 := unix.Close(s.r)
	err2 := unix.Close(s.w)
	if err1 != nil {
		return err1
	}
	return err2
}
