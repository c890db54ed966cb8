package httpreq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPathSimpleGet(t *testing.T) {
	req := "GET /static/index.html HTTP/1.1\r\nHost: x\r\n\r\n"
	path, err := ExtractPath([]byte(req))
	require.NoError(t, err)
	require.Equal(t, "/static/index.html", path)
}

func TestExtractPathDynamic(t *testing.T) {
	req := "GET /dynamic/big.dat HTTP/1.1\r\nHost: x\r\n\r\n"
	path, err := ExtractPath([]byte(req))
	require.NoError(t, err)
	require.Equal(t, "/dynamic/big.dat", path)
}

func TestExtractPathUnclassified(t *testing.T) {
	req := "GET /etc/passwd HTTP/1.1\r\nHost: x\r\n\r\n"
	path, err := ExtractPath([]byte(req))
	require.NoError(t, err)
	require.Equal(t, "/etc/passwd", path)
}

func TestExtractPathTruncatedHeadersStillYieldsPath(t *testing.T) {
	// No blank-line terminator: this is what a request looks like when it's
	// forced out of RECEIVING_DATA because the receive buffer filled up
	// before the header block finished. The request line is intact, so a
	// path must still be reported.
	req := "GET /static/index.html HTTP/1.1\r\nHost: x\r\n"
	path, err := ExtractPath([]byte(req))
	require.NoError(t, err)
	require.Equal(t, "/static/index.html", path)
}

func TestExtractPathTruncatedRequestLineFails(t *testing.T) {
	req := "GET /static/index"
	_, err := ExtractPath([]byte(req))
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestExtractPathMalformedRequestLineFails(t *testing.T) {
	req := "this is not a request line\r\n"
	_, err := ExtractPath([]byte(req))
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestExtractPathEmpty(t *testing.T) {
	_, err := ExtractPath(nil)
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestExtractPathTrailingGarbageFails(t *testing.T) {
	req := "GET /static/index.html HTTP/1.1\r\nHost: x\r\n\r\nextra-body-bytes"
	_, err := ExtractPath([]byte(req))
	require.ErrorIs(t, err, ErrIncomplete)
}
