//go:build linux

package conn

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/y001j/aiohttpd/internal/asyncio"
	"github.com/y001j/aiohttpd/internal/classify"
	"github.com/y001j/aiohttpd/internal/reactor"
)

// dynBufSize is the fixed chunk size the async engine refills per read,
// matching the receive/send buffer's BUFSIZ capacity.
const dynBufSize = bufSize

// Transition is what a state-machine call asks the event loop to do next:
// which interest (if any) to register for the socket, whether the
// notification descriptor needs registering for the first time, and whether
// the connection is done and should be destroyed.
type Transition struct {
	Phase          Phase
	SocketInterest reactor.Interest
	SocketActive   bool // false means don't touch the socket's registration
	RegisterNotify bool // true exactly once, right after the first async read is submitted
	Closed         bool
}

func closedTransition() Transition {
	return Transition{Phase: Closed, Closed: true}
}

func (c *Connection) socketTransition(interest reactor.Interest) Transition {
	return Transition{Phase: c.Phase, SocketInterest: interest, SocketActive: true}
}

// HandleSocketReadable advances a connection whose client socket became
// readable: INITIAL immediately becomes RECEIVING_DATA and falls through to
// receive, mirroring handle_input's STATE_INITIAL/STATE_RECEIVING_DATA cases.
func (c *Connection) HandleSocketReadable() Transition {
	switch c.Phase {
	case Initial:
		c.Phase = ReceivingData
		fallthrough
	case ReceivingData:
		return c.receive()
	default:
		c.Phase = Closed
		return closedTransition()
	}
}

// receive reads into recvBuf and decides whether the header block is
// complete.
func (c *Connection) receive() Transition {
	free := bufSize - len(c.recvBuf)
	if free <= 0 {
		return c.finishReceiving()
	}

	tmp := make([]byte, free)
	n, err := unix.Read(c.SockFD, tmp)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.Phase = ReceivingData
			return c.socketTransition(reactor.Read)
		}
		c.Phase = Closed
		return closedTransition()
	}
	if n == 0 {
		c.Phase = Closed
		return closedTransition()
	}

	c.recvBuf = append(c.recvBuf, tmp[:n]...)
	if len(c.recvBuf) >= bufSize || requestComplete(c.recvBuf) {
		return c.finishReceiving()
	}

	c.Phase = ReceivingData
	return c.socketTransition(reactor.Read)
}

// finishReceiving parses and classifies a complete (or buffer-full) request,
// combining REQUEST_RECEIVED's parse/classify/open-file steps into the same
// wake-up that completed reception, exactly as handle_input does.
func (c *Connection) finishReceiving() Transition {
	c.Phase = RequestReceived

	if err := c.parseRequest(); err != nil {
		c.Phase = SendingNotFound
		c.prepareNotFound()
		return c.socketTransition(reactor.Write)
	}

	c.classifyAndResolve()
	if c.filename == "" {
		c.Phase = SendingNotFound
		c.prepareNotFound()
		return c.socketTransition(reactor.Write)
	}

	if err := c.openFile(); err != nil {
		c.Phase = SendingNotFound
		c.prepareNotFound()
		return c.socketTransition(reactor.Write)
	}

	if err := c.prepareReplyHeader(); err != nil {
		c.Phase = SendingNotFound
		c.prepareNotFound()
		return c.socketTransition(reactor.Write)
	}
	c.Phase = SendingHeader
	return c.socketTransition(reactor.Write)
}

// openFile opens the resolved filename read-only and records its size.
func (c *Connection) openFile() error {
	f, err := os.OpenFile(c.filename, os.O_RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "conn: open %q", c.filename)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "conn: stat %q", c.filename)
	}
	c.file = f
	c.fileSize = info.Size()
	c.filePos = 0
	return nil
}

// HandleSocketWritable advances a connection whose client socket became
// writable: flushing the header, transferring a static file by zero-copy, or
// flushing a 404 response.
func (c *Connection) HandleSocketWritable() Transition {
	switch c.Phase {
	case SendingHeader:
		return c.sendHeader()
	case SendingData:
		if c.ResourceClass() == classify.Static {
			return c.sendStatic()
		}
		return c.sendDynamicChunk()
	case SendingNotFound:
		return c.sendNotFound()
	default:
		c.Phase = Closed
		return closedTransition()
	}
}

func (c *Connection) sendHeader() Transition {
	n, err := c.sendBuffered()
	if err != nil {
		c.Phase = Closed
		return closedTransition()
	}
	if n < 0 {
		return c.socketTransition(reactor.Write) // would-block, retry
	}
	if len(c.sendBuf[c.sendPos:]) > 0 {
		return c.socketTransition(reactor.Write)
	}

	c.sendPos = 0
	if c.ResourceClass() == classify.Static {
		c.Phase = SendingData
		return c.socketTransition(reactor.Write)
	}
	return c.startAsync()
}

func (c *Connection) sendNotFound() Transition {
	n, err := c.sendBuffered()
	if err != nil {
		c.Phase = Closed
		return closedTransition()
	}
	if n < 0 {
		return c.socketTransition(reactor.Write)
	}
	if len(c.sendBuf[c.sendPos:]) > 0 {
		return c.socketTransition(reactor.Write)
	}
	c.Phase = Closed
	return closedTransition()
}

// sendBuffered writes sendBuf[sendPos:] to the socket. It returns n=-1 on
// would-block (not an error), or the number of bytes written otherwise.
func (c *Connection) sendBuffered() (int, error) {
	pending := c.sendBuf[c.sendPos:]
	if len(pending) == 0 {
		return 0, nil
	}
	n, err := unix.Write(c.SockFD, pending)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil
		}
		return 0, errors.Wrap(err, "conn: send")
	}
	c.sendPos += n
	return n, nil
}

// sendStatic transfers the open file to the socket with a zero-copy
// sendfile(2) call starting at the current file offset.
func (c *Connection) sendStatic() Transition {
	remaining := c.fileSize - c.filePos
	if remaining <= 0 {
		c.Phase = Closed
		return closedTransition()
	}

	offset := c.filePos
	if _, err := unix.Sendfile(c.SockFD, int(c.file.Fd()), &offset, int(remaining)); err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return c.socketTransition(reactor.Write)
		}
		c.Phase = Closed
		return closedTransition()
	}
	c.filePos = offset

	if c.filePos >= c.fileSize {
		c.Phase = Closed
		return closedTransition()
	}
	return c.socketTransition(reactor.Write)
}

// startAsync creates the connection's async engine on first use and submits
// the first (or next) chunk read for a dynamic resource.
func (c *Connection) startAsync() Transition {
	firstEntry := c.engine == nil
	if firstEntry {
		eng, err := asyncio.New(c.ioQueueDepth)
		if err != nil {
			c.Phase = Closed
			return closedTransition()
		}
		c.engine = eng
		c.notifyFD = eng.NotifyFD()
	}

	readSize := minInt64(dynBufSize, c.fileSize-c.filePos)
	c.sendBuf = make([]byte, readSize)
	c.sendPos = 0

	if err := c.engine.SubmitRead(int32(c.file.Fd()), c.sendBuf, c.filePos, 0); err != nil {
		// Leave the engine (and, if already registered, its notification
		// descriptor) for Destroy to tear down in the correct
		// remove-then-close order rather than closing it here.
		c.Phase = Closed
		return closedTransition()
	}

	c.Phase = AsyncOngoing
	// The socket has nothing to do until the chunk currently in flight
	// completes; register it for read only so a client that sends more
	// bytes or hangs up is still observable, per the "read interest while
	// ... ASYNC_ONGOING" rule; it never needs write interest in this phase.
	return Transition{
		Phase:          AsyncOngoing,
		SocketInterest: reactor.Read,
		SocketActive:   true,
		RegisterNotify: firstEntry,
	}
}

// HandleNotifyReadable drains one completion from the connection's async
// engine. When no completion is ready (a spurious wake-up), it returns a
// Transition that keeps the phase AsyncOngoing and leaves every
// registration unchanged, so the caller keeps waiting.
func (c *Connection) HandleNotifyReadable() Transition {
	if c.engine == nil {
		c.Phase = Closed
		return closedTransition()
	}

	comp, ok, err := c.engine.DrainCompletion()
	if err != nil {
		c.Phase = Closed
		return closedTransition()
	}
	if !ok {
		return Transition{Phase: AsyncOngoing}
	}

	c.filePos += int64(comp.Result)
	c.sendPos = 0
	if comp.Result >= 0 && int(comp.Result) < len(c.sendBuf) {
		c.sendBuf = c.sendBuf[:comp.Result]
	}
	c.Phase = SendingData

	// The engine is left alive even once the last chunk has been drained:
	// it owns the notification descriptor the multiplexer still has
	// registered, and that registration must be removed before the
	// descriptor is closed. Destroy (called once the connection reaches
	// CLOSED) does both in the right order.
	return c.socketTransition(reactor.Write)
}

// sendDynamicChunk flushes the currently staged chunk and, once drained,
// either submits the next read or closes if the file is exhausted.
func (c *Connection) sendDynamicChunk() Transition {
	n, err := c.sendBuffered()
	if err != nil {
		c.Phase = Closed
		return closedTransition()
	}
	if n < 0 {
		return c.socketTransition(reactor.Write)
	}
	if len(c.sendBuf[c.sendPos:]) > 0 {
		return c.socketTransition(reactor.Write)
	}

	if c.filePos >= c.fileSize {
		c.Phase = Closed
		return closedTransition()
	}
	return c.startAsync()
}
