package netio

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// DialTCPNonblocking creates a non-blocking TCP socket and issues a
// non-blocking connect toward dst. The caller registers the returned fd
// for EPOLLOUT and checks SocketError once it becomes writable to learn
// whether the connection succeeded.
func DialTCPNonblocking(dst netip.AddrPort) (fd int, err error) {
	domain := unix.AF_INET
	if dst.Addr().Is6() && !dst.Addr().Is4In6() {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: setsockopt TCP_NODELAY: %w", err)
	}
	sa := sockaddr(dst)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: connect: %w", err)
	}
	return fd, nil
}

// OpenUDPSocket creates a non-blocking UDP socket suitable for relaying
// one flow toward dst. Broadcast destinations require SO_BROADCAST;
// multicast destinations require joining the group on the relevant
// interface so replies are delivered back to this socket.
func OpenUDPSocket(dst netip.AddrPort) (fd int, err error) {
	domain := unix.AF_INET
	if dst.Addr().Is6() && !dst.Addr().Is4In6() {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netio: socket: %w", err)
	}
	addr := dst.Addr()
	if addr.Is4() && addr.As4() == [4]byte{255, 255, 255, 255} {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("netio: setsockopt SO_BROADCAST: %w", err)
		}
	}
	if addr.IsMulticast() {
		if err := joinMulticast(fd, addr); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

func joinMulticast(fd int, addr netip.Addr) error {
	if addr.Is4() {
		mreq := &unix.IPMreq{Multiaddr: addr.As4()}
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}
	mreq := &unix.IPv6Mreq{Multiaddr: addr.As16()}
	return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_ADD_MEMBERSHIP, mreq)
}

// SocketError returns the pending error recorded for fd via SO_ERROR,
// clearing it, or nil if the socket has no pending error (typically
// meaning a non-blocking connect succeeded).
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// OutboundQueued returns the number of bytes still queued for
// transmission on fd's send buffer (SIOCOUTQ).
func OutboundQueued(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, unix.SIOCOUTQ)
	if err != nil {
		return 0, fmt.Errorf("netio: ioctl SIOCOUTQ: %w", err)
	}
	return n, nil
}

// SendBufferHeadroom returns how many more bytes fd's send buffer can
// currently accept: SO_SNDBUF minus the bytes already queued (SIOCOUTQ).
// The TCP engine uses this to cap the window it advertises to the guest
// so it never promises more than the host socket can actually buffer.
func SendBufferHeadroom(fd int) (int, error) {
	sndbuf, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0, fmt.Errorf("netio: getsockopt SO_SNDBUF: %w", err)
	}
	queued, err := OutboundQueued(fd)
	if err != nil {
		return 0, err
	}
	headroom := sndbuf - queued
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

// SendTo sends buf to dst on fd, used for UDP relay sends.
func SendTo(fd int, buf []byte, dst netip.AddrPort) error {
	return unix.Sendto(fd, buf, 0, sockaddr(dst))
}

// Recv reads into buf from fd, used for both TCP and UDP sockets.
func Recv(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// Send writes buf to fd, used for TCP sockets once connected.
func Send(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// SendStream writes buf to a connected stream socket with MSG_NOSIGNAL
// (a dead peer must surface as EPIPE, not kill the process) and, when
// more data is known to follow immediately, MSG_MORE so the kernel can
// coalesce the segments.
func SendStream(fd int, buf []byte, more bool) (int, error) {
	flags := unix.MSG_NOSIGNAL
	if more {
		flags |= unix.MSG_MORE
	}
	for {
		n, err := unix.SendmsgN(fd, buf, nil, nil, flags)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// IsTemporary reports whether err is EAGAIN/EWOULDBLOCK, i.e. the
// socket's send buffer is full rather than the connection being dead.
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// SetKeepAlive enables or disables SO_KEEPALIVE on fd, used once a TCP
// session observes a keep-alive probe from the guest.
func SetKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

// RaiseNoFileLimit raises RLIMIT_NOFILE to its hard limit and returns
// the resulting hard limit so the caller can size the session-table
// admission budget from it.
func RaiseNoFileLimit() (uint64, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("netio: getrlimit: %w", err)
	}
	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("netio: setrlimit: %w", err)
	}
	return rlim.Max, nil
}

// CloseFD closes fd, ignoring the error; session teardown is
// best-effort by design of the reaper's double-close gate.
func CloseFD(fd int) {
	unix.Close(fd)
}

func sockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}
