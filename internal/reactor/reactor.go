//go:build linux

// Package reactor wraps the Linux epoll readiness multiplexer behind the
// register/update/remove/wait-one contract the connection state machine and
// event loop are written against. It carries no knowledge of connections —
// callers own the mapping from a ready descriptor back to whatever they
// registered it for.
package reactor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Interest is the direction of readiness a descriptor is registered for.
type Interest uint32

const (
	// Read interest reports when a descriptor has bytes available, a peer
	// closed, or (for a listening socket) a pending connection.
	Read Interest = unix.EPOLLIN
	// Write interest reports when a descriptor can accept more bytes without
	// blocking.
	Write Interest = unix.EPOLLOUT
)

// Event describes one readiness notification.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Error    bool
}

// Multiplexer is a thin wrapper over one epoll instance.
type Multiplexer struct {
	epfd int
}

// New creates a fresh epoll instance.
func New() (*Multiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: epoll_create1")
	}
	return &Multiplexer{epfd: fd}, nil
}

// AddRead registers fd for read interest.
func (m *Multiplexer) AddRead(fd int) error {
	return m.ctl(unix.EPOLL_CTL_ADD, fd, Read)
}

// AddWrite registers fd for write interest.
func (m *Multiplexer) AddWrite(fd int) error {
	return m.ctl(unix.EPOLL_CTL_ADD, fd, Write)
}

// ModRead switches fd's registration to read interest.
func (m *Multiplexer) ModRead(fd int) error {
	return m.ctl(unix.EPOLL_CTL_MOD, fd, Read)
}

// ModWrite switches fd's registration to write interest.
func (m *Multiplexer) ModWrite(fd int) error {
	return m.ctl(unix.EPOLL_CTL_MOD, fd, Write)
}

// Remove deregisters fd. It must be called before fd is closed: closing a
// descriptor still registered with epoll silently drops the registration in a
// way that can race a freshly opened descriptor that happens to reuse the
// same number.
func (m *Multiplexer) Remove(fd int) error {
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "reactor: epoll_ctl(DEL, %d)", fd)
	}
	return nil
}

func (m *Multiplexer) ctl(op int, fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: uint32(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, &ev); err != nil {
		return errors.Wrapf(err, "reactor: epoll_ctl(%d, %d)", op, fd)
	}
	return nil
}

// waitTimeoutMillis bounds every EpollWait call so a caller blocked in
// WaitOne on an otherwise idle multiplexer still wakes periodically — e.g.
// to notice a cancelled context — instead of parking forever.
const waitTimeoutMillis = 500

// WaitOne blocks for up to waitTimeoutMillis for exactly one descriptor to
// become ready (or an error other than EINTR occurs). ok is false when the
// wait timed out with nothing ready; that is not an error. Level-triggered
// semantics are assumed: a descriptor that is still ready after being
// serviced will be reported again on a later call.
func (m *Multiplexer) WaitOne() (ev Event, ok bool, err error) {
	var buf [1]unix.EpollEvent
	for {
		n, werr := unix.EpollWait(m.epfd, buf[:], waitTimeoutMillis)
		if werr != nil {
			if werr == unix.EINTR {
				continue
			}
			return Event{}, false, errors.Wrap(werr, "reactor: epoll_wait")
		}
		if n == 0 {
			return Event{}, false, nil
		}
		e := buf[0]
		return Event{
			FD:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&unix.EPOLLERR != 0,
		}, true, nil
	}
}

// Close releases the underlying epoll instance.
func (m *Multiplexer) Close() error {
	return unix.Close(m.epfd)
}
