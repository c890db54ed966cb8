//go:build linux

// Package conn implements the per-connection data model and phase transition
// table: the single-threaded state machine that turns raw socket and
// notification-descriptor readiness into a parsed request, an open resource,
// and a fully sent (or 404) response, with no locking and no state shared
// across connections.
package conn

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/y001j/aiohttpd/internal/asyncio"
	"github.com/y001j/aiohttpd/internal/classify"
	"github.com/y001j/aiohttpd/internal/dateutil"
	"github.com/y001j/aiohttpd/internal/httpreq"
)

// bufSize is the fixed receive/send buffer size, matching the original's
// BUFSIZ-sized recv_buffer/send_buffer.
const bufSize = 8192

// Phase is one state in the connection's transition table.
type Phase int

const (
	// Initial is the phase a freshly accepted connection starts in.
	Initial Phase = iota
	// ReceivingData means more request bytes are still expected.
	ReceivingData
	// RequestReceived means a complete request line and header block have
	// been buffered but not yet parsed into a response.
	RequestReceived
	// SendingHeader means the response header is queued in the send buffer.
	SendingHeader
	// SendingData means header bytes are flushed and the resource body is
	// being transferred (via sendfile for static, via the refill loop for
	// dynamic).
	SendingData
	// AsyncOngoing means a dynamic resource's next chunk has been submitted
	// to the async engine and the connection is waiting on its completion.
	AsyncOngoing
	// SendingNotFound means a 404 response is queued in the send buffer.
	SendingNotFound
	// Closed is a terminal phase; the event loop tears the connection down
	// as soon as the call that returned it has finished.
	Closed
)

func (p Phase) String() string {
	switch p {
	case Initial:
		return "initial"
	case ReceivingData:
		return "receiving-data"
	case RequestReceived:
		return "request-received"
	case SendingHeader:
		return "sending-header"
	case SendingData:
		return "sending-data"
	case AsyncOngoing:
		return "async-ongoing"
	case SendingNotFound:
		return "sending-404"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted client and everything the state machine needs
// to carry it from its first byte to a fully sent response. It is never
// touched from more than one goroutine.
type Connection struct {
	SockFD int
	Phase  Phase

	recvBuf []byte // bytes received so far, len(recvBuf) <= bufSize
	sendBuf []byte // bytes queued to send, sendBuf[sendPos:] still pending
	sendPos int

	requestPath string
	class       classify.Class
	filename    string

	file     *os.File
	fileSize int64
	filePos  int64

	engine   *asyncio.Engine // non-nil from the first dynamic resource read until Destroy
	notifyFD int             // -1 when engine is nil

	roots        Roots
	ioQueueDepth int
}

// Roots names the filesystem directories static and dynamic resources
// resolve against. The zero value ("", "") falls back to the classifier's
// own "." + path behavior.
type Roots struct {
	Static  string
	Dynamic string
}

// New creates a connection in its Initial phase for a freshly accepted,
// already non-blocking socket. ioQueueDepth sizes the io_uring instance
// lazily created for a dynamic resource; 0 falls back to asyncio's default.
func New(sockFD int, roots Roots, ioQueueDepth int) *Connection {
	return &Connection{
		SockFD:       sockFD,
		Phase:        Initial,
		recvBuf:      make([]byte, 0, bufSize),
		notifyFD:     -1,
		roots:        roots,
		ioQueueDepth: ioQueueDepth,
	}
}

// NotifyFD returns the descriptor of the connection's active async engine,
// or -1 if none is active. The event loop registers/deregisters this
// descriptor with the readiness multiplexer as engines come and go.
func (c *Connection) NotifyFD() int {
	return c.notifyFD
}

// ResourceClass reports what kind of resource, if any, this connection's
// request resolved to.
func (c *Connection) ResourceClass() classify.Class {
	return c.class
}

// Destroy closes the connection's async engine (and with it NotifyFD()) and
// its open resource file. It does not close SockFD; the caller closes the
// socket after Destroy returns. The caller must have already removed SockFD
// and, if non-negative, NotifyFD() from the readiness multiplexer — removal
// must happen before the descriptors are closed, exactly as the socket and
// the async engine each document.
func (c *Connection) Destroy() error {
	var errs []error

	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			errs = append(errs, err)
		}
		c.engine = nil
		c.notifyFD = -1
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = append(errs, err)
		}
		c.file = nil
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Errorf("conn: destroy: %d errors, first: %v", len(errs), errs[0])
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// prepareReplyHeader formats the 200 response header for the currently open
// resource into sendBuf, mirroring connection_prepare_send_reply_header's
// fixed header set (the original hardcodes Server: Apache/2.2.9; kept
// verbatim since the wire format is unchanged).
func (c *Connection) prepareReplyHeader() error {
	info, err := c.file.Stat()
	if err != nil {
		return errors.Wrap(err, "conn: stat open file")
	}

	header := "HTTP/1.1 200 OK\r\n" +
		"Date: " + dateutil.Now() + "\r\n" +
		"Server: Apache/2.2.9\r\n" +
		"Last-Modified: " + dateutil.Format(info.ModTime()) + "\r\n" +
		"Accept-Ranges: bytes\r\n" +
		"Vary: Accept-Encoding\r\n" +
		"Connection: close\r\n" +
		"Content-Type: " + contentType(c.filename) + "\r\n" +
		"Content-Length: " + strconv.FormatInt(c.fileSize, 10) + "\r\n\r\n"

	c.sendBuf = []byte(header)
	c.sendPos = 0
	return nil
}

// prepareNotFound formats the fixed 404 response into sendBuf.
func (c *Connection) prepareNotFound() {
	const header = "HTTP/1.1 404 Not Found\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: close\r\n" +
		"\r\n"
	c.sendBuf = []byte(header)
	c.sendPos = 0
}

// requestComplete reports whether recvBuf holds a full HTTP header block,
// i.e. whether a CRLFCRLF occurs anywhere in it.
func requestComplete(buf []byte) bool {
	const terminator = "\r\n\r\n"
	return len(buf) >= len(terminator) && indexOf(buf, terminator) >= 0
}

func indexOf(buf []byte, sub string) int {
	n, m := len(buf), len(sub)
	for i := 0; i+m <= n; i++ {
		if string(buf[i:i+m]) == sub {
			return i
		}
	}
	return -1
}

// parseRequest extracts the request path from a complete recvBuf, per
// httpreq.ExtractPath's "consume every byte" contract.
func (c *Connection) parseRequest() error {
	path, err := httpreq.ExtractPath(c.recvBuf)
	if err != nil {
		return err
	}
	c.requestPath = path
	return nil
}

// classifyAndResolve applies the resource classifier to the parsed request
// path, then resolves the on-disk filename against the connection's
// configured roots so AIOHTTPD_STATIC_DIR/AIOHTTPD_DYNAMIC_DIR overrides
// take effect; classify.Classify's own "." + path resolution is used only
// as a fallback when no roots were configured.
func (c *Connection) classifyAndResolve() {
	class, fallback := classify.Classify(c.requestPath)
	c.class = class

	switch class {
	case classify.Static:
		c.filename = joinRoot(c.roots.Static, c.requestPath, classify.StaticPrefix, fallback)
	case classify.Dynamic:
		c.filename = joinRoot(c.roots.Dynamic, c.requestPath, classify.DynamicPrefix, fallback)
	default:
		c.filename = ""
	}
}

// joinRoot resolves path's suffix past prefix against root, falling back to
// classify's own resolution when root is unset.
func joinRoot(root, path, prefix, fallback string) string {
	if root == "" {
		return fallback
	}
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return fallback
	}
	suffix := path[idx+len(prefix):]
	return strings.TrimSuffix(root, "/") + "/" + suffix
}
