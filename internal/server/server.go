//go:build linux

// Package server bundles one shard's listener, readiness multiplexer, and
// connection registry into an explicit context rather than process-wide
// globals, and drives the event loop that dispatches readiness events into
// the connection state machine.
package server

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/y001j/aiohttpd/internal/config"
	"github.com/y001j/aiohttpd/internal/conn"
	"github.com/y001j/aiohttpd/internal/reactor"
	"github.com/y001j/aiohttpd/internal/sockopt"
)

// Server is one independent, single-threaded shard: its own listener socket
// (bound with SO_REUSEPORT so several shards can share an address), its own
// epoll instance, and its own connection registry. Nothing here is shared
// with any other Server.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	listenFD int
	mux      *reactor.Multiplexer
	conns    map[int]*conn.Connection // keyed by both SockFD and, when active, NotifyFD
	sem      *semaphore.Weighted
	active   *atomic.Int64
	closed   bool
}

// New creates and binds the shard's listener socket and epoll instance. It
// does not start serving; call Run for that.
func New(cfg config.Config, log *zap.Logger) (*Server, error) {
	listenFD, err := sockopt.ListenTCP4(cfg.ListenAddr, cfg.Backlog,
		sockopt.SetReuseAddr(),
		sockopt.SetReusePort(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "server: listen")
	}

	mux, err := reactor.New()
	if err != nil {
		unix.Close(listenFD)
		return nil, errors.Wrap(err, "server: reactor")
	}

	if err := mux.AddRead(listenFD); err != nil {
		mux.Close()
		unix.Close(listenFD)
		return nil, errors.Wrap(err, "server: register listener")
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		listenFD: listenFD,
		mux:      mux,
		conns:    make(map[int]*conn.Connection),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		active:   atomic.NewInt64(0),
	}, nil
}

// ActiveConnections reports the shard's current connection count.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Run drives the event loop until ctx is cancelled or a fatal setup-level
// error occurs. It is strictly single-threaded and cooperative: the only
// suspension point is the multiplexer wait, which is itself bounded so an
// idle shard still notices ctx being cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, ready, err := s.mux.WaitOne()
		if err != nil {
			return errors.Wrap(err, "server: wait")
		}
		if !ready {
			continue // wait timed out; loop back around to the ctx.Done() check
		}

		if ev.FD == s.listenFD {
			s.acceptAll()
			continue
		}

		c, ok := s.conns[ev.FD]
		if !ok {
			continue // stale event for an already-destroyed connection
		}
		s.dispatch(c, ev)
	}
}

// acceptAll drains every pending connection from the listener's backlog in
// one wake-up, rather than accepting one connection per WaitOne call. When
// the connection cap is reached, an accepted socket is closed at once
// without a response.
func (s *Server) acceptAll() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.log.Debug("accept failed", zap.Error(err))
			}
			return
		}

		if !s.sem.TryAcquire(1) {
			s.log.Debug("connection cap reached, rejecting", zap.Int("fd", fd))
			unix.Close(fd)
			continue
		}

		c := conn.New(fd, conn.Roots{Static: s.cfg.StaticDir, Dynamic: s.cfg.DynamicDir}, s.cfg.IOQueueDepth)
		if err := s.mux.AddRead(fd); err != nil {
			s.log.Debug("register accepted socket failed", zap.Error(err))
			unix.Close(fd)
			s.sem.Release(1)
			continue
		}

		s.conns[fd] = c
		s.active.Inc()
	}
}

// dispatch routes one readiness event to the connection state machine and
// applies the resulting Transition: reprogramming the multiplexer or
// destroying the connection.
func (s *Server) dispatch(c *conn.Connection, ev reactor.Event) {
	var tr conn.Transition

	switch {
	case ev.FD == c.SockFD && ev.Readable:
		tr = c.HandleSocketReadable()
	case ev.FD == c.SockFD && ev.Writable:
		tr = c.HandleSocketWritable()
	case ev.FD == c.NotifyFD() && ev.Readable:
		tr = c.HandleNotifyReadable()
	default:
		tr = conn.Transition{Closed: true}
	}

	s.applyTransition(c, tr)
}

func (s *Server) applyTransition(c *conn.Connection, tr conn.Transition) {
	if tr.Closed {
		s.destroy(c)
		return
	}

	if tr.SocketActive {
		var err error
		if tr.SocketInterest == reactor.Read {
			err = s.mux.ModRead(c.SockFD)
		} else {
			err = s.mux.ModWrite(c.SockFD)
		}
		if err != nil {
			s.log.Debug("mod socket interest failed", zap.Error(err))
			s.destroy(c)
			return
		}
	}

	if tr.RegisterNotify {
		if err := s.mux.AddRead(c.NotifyFD()); err != nil {
			s.log.Debug("register notify fd failed", zap.Error(err))
			s.destroy(c)
			return
		}
		s.conns[c.NotifyFD()] = c
	}
}

// destroy removes every descriptor the connection owns from the multiplexer
// before closing them, then drops it from the registry.
func (s *Server) destroy(c *conn.Connection) {
	notifyFD := c.NotifyFD()
	if notifyFD >= 0 {
		if err := s.mux.Remove(notifyFD); err != nil {
			s.log.Debug("remove notify fd failed", zap.Error(err))
		}
		delete(s.conns, notifyFD)
	}
	if err := s.mux.Remove(c.SockFD); err != nil {
		s.log.Debug("remove socket failed", zap.Error(err))
	}
	delete(s.conns, c.SockFD)

	if err := c.Destroy(); err != nil {
		s.log.Debug("connection destroy failed", zap.Error(err))
	}
	unix.Close(c.SockFD)

	s.sem.Release(1)
	s.active.Dec()
}

// Close tears down the shard: every live connection, the multiplexer, and
// the listener socket. The errors from closing the multiplexer and the
// listener are aggregated so one failure doesn't hide the other; errors
// from tearing down connections are logged at Debug and not returned.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for _, c := range uniqueConns(s.conns) {
		s.destroy(c)
	}
	err = multierr.Append(err, s.mux.Close())
	err = multierr.Append(err, unix.Close(s.listenFD))
	return err
}

func uniqueConns(m map[int]*conn.Connection) []*conn.Connection {
	seen := make(map[*conn.Connection]bool, len(m))
	out := make([]*conn.Connection, 0, len(m))
	for _, c := range m {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
