//go:build linux

// Package sockopt implements the SO_REUSEADDR/SO_REUSEPORT/TCP_NODELAY/
// SO_RCVBUF/SO_SNDBUF socket-option surface directly against golang.org/x/sys/unix,
// and provides the non-blocking IPv4 TCP listening socket the listener
// bootstrap needs.
package sockopt

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Option applies one setsockopt call to fd.
type Option struct {
	Name  string
	Apply func(fd int) error
}

// SetReuseAddr enables SO_REUSEADDR.
func SetReuseAddr() Option {
	return Option{Name: "SO_REUSEADDR", Apply: func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}}
}

// SetReusePort enables SO_REUSEPORT, letting multiple shards bind the same
// address so the kernel load-balances accepts across them.
func SetReusePort() Option {
	return Option{Name: "SO_REUSEPORT", Apply: func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}}
}

// SetNoDelay disables Nagle's algorithm on a TCP socket.
func SetNoDelay() Option {
	return Option{Name: "TCP_NODELAY", Apply: func(fd int) error {
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}}
}

// SetRecvBuffer sets SO_RCVBUF.
func SetRecvBuffer(bytes int) Option {
	return Option{Name: "SO_RCVBUF", Apply: func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	}}
}

// SetSendBuffer sets SO_SNDBUF.
func SetSendBuffer(bytes int) Option {
	return Option{Name: "SO_SNDBUF", Apply: func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
	}}
}

func apply(fd int, opts []Option) error {
	for _, opt := range opts {
		if err := opt.Apply(fd); err != nil {
			return errors.Wrapf(err, "sockopt: setsockopt %s", opt.Name)
		}
	}
	return nil
}

// ListenTCP4 creates, binds, and listens on a non-blocking IPv4 TCP socket,
// applying opts before bind. addr is a "host:port" or ":port" string.
func ListenTCP4(addr string, backlog int, opts ...Option) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, errors.Wrapf(err, "sockopt: resolve %q", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "sockopt: socket")
	}

	if err := apply(fd, opts); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "sockopt: bind %q", addr)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "sockopt: listen")
	}
	return fd, nil
}
