//go:build linux

package sockopt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenTCP4BindsEphemeralPort(t *testing.T) {
	fd, err := ListenTCP4("127.0.0.1:0", 16, SetReuseAddr())
	require.NoError(t, err)
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	require.NotZero(t, addr.Port)
}

func TestListenTCP4RejectsBadAddress(t *testing.T) {
	_, err := ListenTCP4("not-an-address", 16)
	require.Error(t, err)
}
