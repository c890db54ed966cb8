//go:build linux

// Package asyncio issues kernel-asynchronous file reads through io_uring and
// delivers their completions via an eventfd notification descriptor, so a
// single-threaded readiness multiplexer can wait on the notification
// descriptor exactly like any other socket.
//
// One Engine belongs to exactly one connection. It is created lazily on the
// connection's first dynamic-resource read and destroyed when the connection
// closes; engines are never shared, which was a latent race in the design
// this package replaces (see DESIGN.md).
package asyncio

import (
	"github.com/dshulyak/uring"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultQueueDepth is the io_uring submission queue depth New falls back to
// when passed a non-positive value. A dynamic connection ever has at most
// one read in flight, so a shallow queue is enough headroom for the
// occasional retried submission; callers may still configure a deeper ring
// (e.g. to share headroom across a connection's future multi-read use).
const DefaultQueueDepth = 4

// Engine owns one io_uring instance and the eventfd the ring registers
// against itself so every completion queue entry it posts increments the
// eventfd's counter by one.
type Engine struct {
	ring     uring.Ring
	notifyFD int
	closed   bool
}

// New sets up a ring of the given depth and its own eventfd notification
// descriptor, switched to non-blocking so the event loop can drain it the
// same way it drains a socket. A non-positive depth falls back to
// DefaultQueueDepth.
func New(depth int) (*Engine, error) {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	ring, err := uring.Setup(uint(depth), nil)
	if err != nil {
		return nil, errors.Wrap(err, "asyncio: uring.Setup")
	}

	if err := ring.SetupEventfd(); err != nil {
		ring.Close()
		return nil, errors.Wrap(err, "asyncio: setup eventfd")
	}
	notifyFD := int(ring.Eventfd())
	if err := unix.SetNonblock(notifyFD, true); err != nil {
		ring.CloseEventfd()
		ring.Close()
		return nil, errors.Wrap(err, "asyncio: set eventfd nonblocking")
	}

	return &Engine{ring: *ring, notifyFD: notifyFD}, nil
}

// NotifyFD returns the descriptor the caller should register with the
// readiness multiplexer for read interest.
func (e *Engine) NotifyFD() int {
	return e.notifyFD
}

// SubmitRead issues an asynchronous read of len(buf) bytes from fd starting
// at offset, tagged with userData so the eventual completion can be matched
// back to it. At most one read may be outstanding per Engine at a time — the
// caller (the connection state machine) enforces that invariant.
func (e *Engine) SubmitRead(fd int32, buf []byte, offset int64, userData uint64) error {
	sqe := e.ring.GetSQEntry()
	if sqe == nil {
		return errors.New("asyncio: submission queue full")
	}
	uring.Read(sqe, uintptr(fd), buf)
	sqe.SetOffset(uint64(offset))
	sqe.SetUserData(userData)

	if _, err := e.ring.Submit(0); err != nil {
		return errors.Wrap(err, "asyncio: submit read")
	}
	return nil
}

// Completion describes one drained completion queue entry.
type Completion struct {
	UserData uint64
	Result   int32
}

// DrainCompletion reads the eventfd's completion counter and, if any
// completions are pending, fetches exactly one from the completion queue. ok
// is false when the eventfd would block (nothing has completed yet) — that
// is not an error, it just means the caller should keep waiting.
func (e *Engine) DrainCompletion() (comp Completion, ok bool, err error) {
	var counter [8]byte
	n, rerr := unix.Read(e.notifyFD, counter[:])
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return Completion{}, false, nil
		}
		return Completion{}, false, errors.Wrap(rerr, "asyncio: read eventfd")
	}
	if n != 8 {
		return Completion{}, false, nil
	}

	cqe, gerr := e.ring.GetCQEntry(0)
	if gerr != nil {
		if gerr == unix.EAGAIN {
			return Completion{}, false, nil
		}
		return Completion{}, false, errors.Wrap(gerr, "asyncio: get cqe")
	}
	return Completion{UserData: cqe.UserData(), Result: cqe.Result()}, true, nil
}

// Close tears down the ring and the notification descriptor. The caller must
// have already deregistered NotifyFD() from the readiness multiplexer —
// removal must happen before the descriptor is closed.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	closeErr := e.ring.CloseEventfd()
	e.ring.Close()
	if closeErr != nil {
		return errors.Wrap(closeErr, "asyncio: close eventfd")
	}
	return nil
}
