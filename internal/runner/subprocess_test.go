package runner

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidgecka/twitcher/internal/action"
)

func waitExit(t *testing.T, sr *Subprocess) ExitResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := sr.Poll(); ok {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("process never exited")
	return ExitResult{}
}

func TestStartArgvExitsCleanly(t *testing.T) {
	sr, err := Start(action.Argv("/bin/true"), Identity{}, nil, "true", 0)
	require.NoError(t, err)
	res := waitExit(t, sr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestStartShellNonZeroExit(t *testing.T) {
	sr, err := Start(action.Shell("exit 7"), Identity{}, nil, "exit7", 0)
	require.NoError(t, err)
	res := waitExit(t, sr)
	assert.Equal(t, 7, res.ExitCode)
}

func TestStdinFidelity(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin-copy")
	require.NoError(t, err)
	f.Close()

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}

	sr, err := Start(action.Shell("cat > "+f.Name()), Identity{}, payload, "cat", 0)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := sr.StdinFD(); !ok {
			break
		}
		require.NoError(t, sr.WriteStdin())
		if time.Now().After(deadline) {
			t.Fatal("stdin never drained")
		}
	}
	waitExit(t, sr)

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEmptyStdinClosesImmediately(t *testing.T) {
	sr, err := Start(action.Argv("/bin/cat"), Identity{}, nil, "cat-empty", 0)
	require.NoError(t, err)
	_, ok := sr.StdinFD()
	assert.False(t, ok, "stdin should already be closed when there is nothing to write")
	waitExit(t, sr)
}

func TestFnActionRunsSynchronously(t *testing.T) {
	ran := false
	sr, err := Start(action.Fn(func() error { ran = true; return nil }), Identity{}, nil, "fn", 0)
	require.NoError(t, err)
	assert.True(t, ran)
	res, ok := sr.Poll()
	require.True(t, ok)
	assert.Equal(t, 0, res.ExitCode)
}

func TestUnknownUserResolution(t *testing.T) {
	_, err := ResolveUser("no-such-user-should-exist")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestNumericUIDZeroHonored(t *testing.T) {
	uid, err := ResolveUser("0")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uid)
}
