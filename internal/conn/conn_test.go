//go:build linux

package conn

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/y001j/aiohttpd/internal/classify"
)

// socketPair returns a connected pair of non-blocking Unix stream sockets
// standing in for a client and its accepted server-side connection.
func socketPair(t *testing.T) (server, client int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func chdirToTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
}

func writeFile(t *testing.T, rel string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(rel), 0o755))
	require.NoError(t, os.WriteFile(rel, data, 0o644))
}

func TestNewConnectionStartsInInitial(t *testing.T) {
	server, _ := socketPair(t)
	c := New(server, Roots{}, 0)
	require.Equal(t, Initial, c.Phase)
	require.Equal(t, -1, c.NotifyFD())
}

func TestStaticHitServesFullBody(t *testing.T) {
	chdirToTemp(t)
	writeFile(t, "static/index.html", []byte("<html/>"))

	server, client := socketPair(t)
	c := New(server, Roots{}, 0)

	req := "GET /static/index.html HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err := unix.Write(client, []byte(req))
	require.NoError(t, err)

	tr := c.HandleSocketReadable()
	require.Equal(t, SendingHeader, tr.Phase)
	require.Equal(t, classify.Static, c.ResourceClass())

	tr = c.HandleSocketWritable() // flush header
	require.Equal(t, SendingData, tr.Phase)

	tr = c.HandleSocketWritable() // sendfile
	require.True(t, tr.Closed)

	got := drainAll(t, client)
	require.Contains(t, string(got), "HTTP/1.1 200 OK")
	require.Contains(t, string(got), "Content-Length: 7")
	require.True(t, bytes.HasSuffix(got, []byte("<html/>")))
}

func TestMissingResourceReturns404(t *testing.T) {
	chdirToTemp(t)

	server, client := socketPair(t)
	c := New(server, Roots{}, 0)

	req := "GET /static/nope.html HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err := unix.Write(client, []byte(req))
	require.NoError(t, err)

	tr := c.HandleSocketReadable()
	require.Equal(t, SendingNotFound, tr.Phase)

	tr = c.HandleSocketWritable()
	require.True(t, tr.Closed)

	got := drainAll(t, client)
	require.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Type: text/html\r\nConnection: close\r\n\r\n", string(got))
}

func TestUnclassifiedPathReturns404WithoutOpeningFile(t *testing.T) {
	chdirToTemp(t)
	writeFile(t, "etc/passwd", []byte("root:x:0:0"))

	server, client := socketPair(t)
	c := New(server, Roots{}, 0)

	req := "GET /etc/passwd HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err := unix.Write(client, []byte(req))
	require.NoError(t, err)

	tr := c.HandleSocketReadable()
	require.Equal(t, SendingNotFound, tr.Phase)
	require.Equal(t, classify.None, c.ResourceClass())
	require.Nil(t, c.file)
}

func TestFragmentedRequestStaysInReceivingUntilTerminator(t *testing.T) {
	chdirToTemp(t)
	writeFile(t, "static/a.txt", []byte("hi"))

	server, client := socketPair(t)
	c := New(server, Roots{}, 0)

	first := "GET /static/a.txt HTTP/1.1\r\nHo"
	_, err := unix.Write(client, []byte(first))
	require.NoError(t, err)

	tr := c.HandleSocketReadable()
	require.Equal(t, ReceivingData, tr.Phase)

	second := "st: x\r\n\r\n"
	_, err = unix.Write(client, []byte(second))
	require.NoError(t, err)

	tr = c.HandleSocketReadable()
	require.Equal(t, SendingHeader, tr.Phase)
}

func TestBufferFullWithoutTerminatorStillParsesRequestLine(t *testing.T) {
	chdirToTemp(t)
	writeFile(t, "static/a.txt", []byte("hi"))

	server, client := socketPair(t)
	c := New(server, Roots{}, 0)

	// Fill the receive buffer to capacity with a complete request line but
	// no blank-line terminator, forcing REQUEST_RECEIVED the way a real
	// pathologically long header block would.
	reqLine := "GET /static/a.txt HTTP/1.1\r\n"
	buf := append([]byte(reqLine), bytes.Repeat([]byte("a"), bufSize-len(reqLine))...)
	require.Len(t, buf, bufSize)
	require.False(t, bytes.Contains(buf, []byte("\r\n\r\n")))

	_, err := unix.Write(client, buf)
	require.NoError(t, err)

	var tr Transition
	for tr.Phase != SendingHeader && tr.Phase != SendingNotFound {
		tr = c.HandleSocketReadable()
		require.False(t, tr.Closed)
	}

	require.Equal(t, SendingHeader, tr.Phase)
	require.Equal(t, classify.Static, c.ResourceClass())
}

func TestPeerCloseDuringReceiveCloses(t *testing.T) {
	chdirToTemp(t)
	server, client := socketPair(t)
	c := New(server, Roots{}, 0)

	require.NoError(t, unix.Close(client))

	tr := c.HandleSocketReadable()
	require.True(t, tr.Closed)
}

func TestDestroyIsIdempotentWithoutOpenResources(t *testing.T) {
	server, _ := socketPair(t)
	c := New(server, Roots{}, 0)
	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())
}

func drainAll(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			require.NoError(t, err)
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out
}
