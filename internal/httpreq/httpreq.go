// Package httpreq adapts a real HTTP header parser to the narrow contract the
// connection state machine needs: extract the request path from a buffered
// request, and report success or failure. Bodies, chunked transfer, and
// every other HTTP feature this server doesn't serve are simply never
// touched.
package httpreq

import (
	"bufio"
	"bytes"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

// ErrIncomplete is returned when no request path can be determined from buf
// at all, or when bytes remain past a fully terminated header block.
var ErrIncomplete = errors.New("httpreq: request did not parse as a complete header block")

// ExtractPath parses buf as an HTTP request and returns the request path
// (with any query string included, as fasthttp reports it via RequestURI).
//
// When buf holds a complete, \r\n\r\n-terminated header block, the parser
// must consume every byte in buf; any leftover — a body or trailing garbage
// — is a failure, mirroring the original http_parser contract of "nparsed
// must equal the receive length". But a request line whose headers were cut
// short (the receive buffer filled before a blank line arrived) is still
// served as-is once its path can be read, per the connection state machine's
// forced-REQUEST_RECEIVED case: only a request buf can't be traced back to
// any request line at all counts as incomplete.
func ExtractPath(buf []byte) (string, error) {
	if len(buf) == 0 {
		return "", ErrIncomplete
	}

	var header fasthttp.RequestHeader
	r := bufio.NewReader(bytes.NewReader(buf))
	if err := header.Read(r); err == nil {
		if r.Buffered() != 0 {
			return "", ErrIncomplete
		}
		uri := header.RequestURI()
		if len(uri) == 0 {
			return "", ErrIncomplete
		}
		return string(uri), nil
	}

	path, ok := requestLinePath(buf)
	if !ok {
		return "", ErrIncomplete
	}
	return path, nil
}

// requestLinePath extracts the path from buf's first line without requiring
// the header block that follows it to be complete.
func requestLinePath(buf []byte) (string, bool) {
	end := bytes.IndexByte(buf, '\n')
	if end < 0 {
		return "", false
	}
	line := bytes.TrimSuffix(buf[:end], []byte("\r"))

	parts := bytes.Fields(line)
	if len(parts) != 3 || !bytes.HasPrefix(parts[2], []byte("HTTP/")) {
		return "", false
	}
	if len(parts[1]) == 0 {
		return "", false
	}
	return string(parts[1]), true
}
