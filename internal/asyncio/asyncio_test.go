//go:build linux

package asyncio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEngineReadsFile exercises submit -> notify -> drain against a real
// file. It's skipped in sandboxes without io_uring support (permission or
// seccomp denials both surface as a Setup error), matching how the rest of
// the suite treats environment-dependent kernel facilities.
func TestEngineReadsFile(t *testing.T) {
	eng, err := New(0)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	defer eng.Close()

	f, err := os.CreateTemp(t.TempDir(), "asyncio")
	require.NoError(t, err)
	defer f.Close()

	want := []byte("hello from io_uring")
	_, err = f.Write(want)
	require.NoError(t, err)

	buf := make([]byte, len(want))
	require.NoError(t, eng.SubmitRead(int32(f.Fd()), buf, 0, 42))

	var comp Completion
	for {
		c, ok, err := eng.DrainCompletion()
		require.NoError(t, err)
		if ok {
			comp = c
			break
		}
	}

	require.EqualValues(t, 42, comp.UserData)
	require.EqualValues(t, len(want), comp.Result)
	require.Equal(t, want, buf)
}

func TestNotifyFDIsUsableDescriptor(t *testing.T) {
	eng, err := New(0)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	defer eng.Close()

	require.GreaterOrEqual(t, eng.NotifyFD(), 0)
}
