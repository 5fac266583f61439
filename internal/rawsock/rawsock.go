//go:build linux

// Package rawsock implements blocking and non-blocking byte-level
// send/receive over raw file descriptors, with partial-I/O retry
// discipline, a ppoll-based readiness wait that accepts a signal mask, and
// the socket options (SO_REUSEADDR, SO_KEEPALIVE, SO_RCVTIMEO) the server
// and client need. net.Conn/net.Listener deliberately aren't used here:
// they hide exactly the syscall-level knobs this package needs — non-
// blocking reads driven by an external poll loop, a signal-mask-aware wait,
// and explicit socket options set before bind.
package rawsock

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Conn wraps a connected stream socket file descriptor.
type Conn struct {
	fd       int
	busyWait bool
}

// newConn wraps an already-connected fd.
func newConn(fd int, busyWait bool) *Conn {
	return &Conn{fd: fd, busyWait: busyWait}
}

// WrapFD adapts an already-open file descriptor as a Conn, the way
// net.FileConn adapts an *os.File. Intended for tests that need a Conn with
// a real, distinct, poll-able fd without going through Dial/Accept.
func WrapFD(fd int) *Conn {
	return newConn(fd, false)
}

// Fd returns the underlying file descriptor, for registration in a poll set.
func (c *Conn) Fd() int { return c.fd }

// Close closes the socket.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// SetBusyWait toggles whether Read/Write retry on EAGAIN/EWOULDBLOCK
// instead of returning it. The server enables this on accepted connections
// so the dispatcher's non-blocking header/body reads retry transparently on
// EAGAIN instead of surfacing it to the caller.
func (c *Conn) SetBusyWait(busyWait bool) { c.busyWait = busyWait }

// SetNonblock toggles O_NONBLOCK on the socket. The server puts client
// sockets in non-blocking mode so a handler never stalls the event loop;
// the client connector leaves its socket blocking and instead bounds waits
// with SetRecvTimeout.
func (c *Conn) SetNonblock(nonblocking bool) error {
	return unix.SetNonblock(c.fd, nonblocking)
}

// SetRecvTimeout sets SO_RCVTIMEO. Used by the client connector to bound
// how long a call can block waiting on the server; the server sets no
// per-socket timeout, relying on the poll loop for progress instead.
func (c *Conn) SetRecvTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// Read performs a single read syscall, retrying transparently on EINTR and,
// when busyWait is enabled, on EAGAIN/EWOULDBLOCK as well. Like
// net.Conn.Read, it does not guarantee filling p; callers needing an exact
// byte count use RecvExact.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if c.busyWait && (err == unix.EAGAIN || err == unix.EWOULDBLOCK) {
				continue
			}
			return n, err
		}
		return n, nil
	}
}

// Write performs a single write syscall with the same retry discipline as
// Read. Callers needing all bytes written use SendAll.
func (c *Conn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if c.busyWait && (err == unix.EAGAIN || err == unix.EWOULDBLOCK) {
				continue
			}
			return n, err
		}
		return n, nil
	}
}

// Dial resolves a host:port address, connects, and returns a blocking Conn.
// busyWait controls whether EAGAIN is treated as a retryable condition on
// this connection.
func Dial(address string, busyWait bool) (*Conn, error) {
	sa, family, err := resolveSockaddr(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: connect %s: %w", address, err)
	}
	return newConn(fd, busyWait), nil
}

// Listener wraps a listening stream socket.
type Listener struct {
	fd int
}

// Listen creates, configures (SO_REUSEADDR, SO_KEEPALIVE), binds and starts
// listening on address with the given backlog.
func Listen(address string, backlog int) (*Listener, error) {
	sa, family, err := resolveSockaddr(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: SO_KEEPALIVE: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: listen: %w", err)
	}
	return &Listener{fd: fd}, nil
}

// Fd returns the listening file descriptor, for registration in a poll set.
func (l *Listener) Fd() int { return l.fd }

// Close closes the listening socket.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// Accept accepts one pending connection. The returned Conn is in
// busy-wait-off mode by default; the server immediately switches it to
// non-blocking so handlers never stall the event loop.
func (l *Listener) Accept() (*Conn, net.Addr, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		return nil, nil, err
	}
	return newConn(nfd, false), sockaddrToNetAddr(sa), nil
}

func resolveSockaddr(address string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return nil, 0, fmt.Errorf("rawsock: resolve %q: %w", address, err)
	}
	var addr [4]byte
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(addr[:], ip4)
	return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: addr}, unix.AF_INET, nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}
