// Package socks5 implements the client half of a SOCKS5 (RFC 1928)
// handshake for the TCP engine's optional egress-via-proxy path.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// State is a SOCKS5 client handshake sub-state. The handshake runs once
// the connect to the proxy itself succeeds, while the TCP engine still
// holds the session in LISTEN; the session moves to SYN_RECV when the
// handshake reaches StateConnected.
type State uint8

const (
	// StateNone is the state before the handshake has begun, and the
	// only state of a session with no SOCKS5 proxy configured.
	StateNone State = iota
	// StateHello awaits the server's method-selection reply.
	StateHello
	// StateAuth awaits the server's username/password auth reply.
	StateAuth
	// StateConnect awaits the server's reply to the CONNECT request.
	StateConnect
	// StateConnected has completed the handshake; the socket now
	// carries the proxied application's byte stream.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateHello:
		return "HELLO"
	case StateAuth:
		return "AUTH"
	case StateConnect:
		return "CONNECT"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// AuthMethod identifies a SOCKS5 authentication method octet.
type AuthMethod uint8

const (
	AuthNone     AuthMethod = 0x00
	AuthUserPass AuthMethod = 0x02
	AuthNoAccept AuthMethod = 0xff
)

// AddrType identifies the SOCKS5 address type octet.
type AddrType uint8

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

// Config holds the proxy's own address and credentials, and is copied
// into each session that should egress through SOCKS5 rather than
// connecting directly.
type Config struct {
	ProxyAddr netip.AddrPort
	Username  string
	Password  string
}

var (
	errShortReply   = errors.New("socks5: short reply")
	errBadVersion   = errors.New("socks5: bad version byte")
	errAuthRejected = errors.New("socks5: no acceptable auth method")
	errAuthFailed   = errors.New("socks5: authentication failed")
	errConnectFail  = errors.New("socks5: CONNECT request failed")
)

// ReplyStatus is the second byte of a SOCKS5 CONNECT reply.
type ReplyStatus uint8

const (
	ReplySucceeded ReplyStatus = 0x00
)

// AppendHello appends the client's method-selection request. Two methods
// are always offered: no-authentication and username/password, letting
// the server pick whichever it requires.
func AppendHello(b []byte) []byte {
	return append(b, 0x05, 0x02, byte(AuthNone), byte(AuthUserPass))
}

// HelloReplyLen is the fixed length of the server's method-selection reply.
const HelloReplyLen = 2

// ParseHelloReply validates the server's method-selection reply and
// returns the chosen method.
func ParseHelloReply(b []byte) (AuthMethod, error) {
	if len(b) < HelloReplyLen {
		return 0, errShortReply
	}
	if b[0] != 0x05 {
		return 0, errBadVersion
	}
	method := AuthMethod(b[1])
	if method == AuthNoAccept {
		return method, errAuthRejected
	}
	return method, nil
}

// AppendAuth appends a username/password authentication sub-negotiation
// request (RFC 1929).
func AppendAuth(b []byte, cfg Config) []byte {
	b = append(b, 0x01, byte(len(cfg.Username)))
	b = append(b, cfg.Username...)
	b = append(b, byte(len(cfg.Password)))
	b = append(b, cfg.Password...)
	return b
}

// AuthReplyLen is the fixed length of the server's auth reply.
const AuthReplyLen = 2

// ParseAuthReply validates the server's username/password auth reply.
func ParseAuthReply(b []byte) error {
	if len(b) < AuthReplyLen {
		return errShortReply
	}
	if b[1] != 0x00 {
		return errAuthFailed
	}
	return nil
}

// AppendConnect appends a CONNECT request for addrPort, using the IPv4 or
// IPv6 address type according to the address's family. Domain-name
// targets (ATYP=domain) are not produced; an invalid address panics.
func AppendConnect(b []byte, addrPort netip.AddrPort) []byte {
	b = append(b, 0x05, 0x01, 0x00)
	addr := addrPort.Addr()
	switch {
	case addr.Is4():
		b = append(b, byte(AddrIPv4))
		a4 := addr.As4()
		b = append(b, a4[:]...)
	case addr.Is6():
		b = append(b, byte(AddrIPv6))
		a16 := addr.As16()
		b = append(b, a16[:]...)
	default:
		panic("socks5: invalid address")
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], addrPort.Port())
	return append(b, portBuf[:]...)
}

// ConnectReplyLen returns the number of bytes a CONNECT reply occupies
// given the address type octet at b[3], or -1 if b is too short to tell.
func ConnectReplyLen(b []byte) int {
	if len(b) < 4 {
		return -1
	}
	switch AddrType(b[3]) {
	case AddrIPv4:
		return 10
	case AddrIPv6:
		return 22
	case AddrDomain:
		if len(b) < 5 {
			return -1
		}
		return 7 + int(b[4])
	default:
		return -1
	}
}

// ParseConnectReply validates the server's reply to a CONNECT request.
func ParseConnectReply(b []byte) error {
	if len(b) < 4 {
		return errShortReply
	}
	if b[0] != 0x05 {
		return errBadVersion
	}
	if ReplyStatus(b[1]) != ReplySucceeded {
		return fmt.Errorf("%w: status 0x%02x", errConnectFail, b[1])
	}
	return nil
}
