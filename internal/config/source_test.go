package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidgecka/twitcher/internal/action"
	"github.com/liquidgecka/twitcher/internal/watch"
	"github.com/liquidgecka/twitcher/internal/zkmux"
)

// fakeMux satisfies watch.Multiplexer without touching the network; tests
// here only care that Rescan builds the right descriptor sets, not that
// watches actually fire.
type fakeMux struct{}

func (fakeMux) WatchData(path string, w zkmux.Watcher, h zkmux.Handler) (zkmux.ID, zkmux.ID) {
	return zkmux.ID{}, zkmux.ID{}
}
func (fakeMux) WatchChildren(path string, w zkmux.Watcher, h zkmux.Handler) (zkmux.ID, zkmux.ID) {
	return zkmux.ID{}, zkmux.ID{}
}
func (fakeMux) Unregister(path string, kind zkmux.Kind, ids ...zkmux.ID) {}

func countingParser(calls *int, fail map[string]bool) Parser {
	return func(path string, data []byte) ([]watch.Descriptor, error) {
		*calls++
		if fail[path] {
			return nil, assert.AnError
		}
		return []watch.Descriptor{{
			Path:        string(data),
			Action:      action.Fn(func() error { return nil }),
			Description: path,
		}}, nil
	}
}

func TestRescanLoadsRecognizedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.twc"), []byte("/a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.twc"), []byte("/b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("/c"), 0o644))

	var calls int
	s := New(dir, ".twc", fakeMux{}, nil, nil)
	s.SetParser(countingParser(&calls, nil))

	require.NoError(t, s.Rescan())
	assert.Equal(t, 2, calls)
	assert.Len(t, s.Objects(), 2)

	// A second rescan with unchanged mtimes must not reparse.
	require.NoError(t, s.Rescan())
	assert.Equal(t, 2, calls)
}

func TestRescanSkipsDotDirectories(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".git")
	require.NoError(t, os.Mkdir(hidden, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hidden, "x.twc"), []byte("/x"), 0o644))

	var calls int
	s := New(dir, ".twc", fakeMux{}, nil, nil)
	s.SetParser(countingParser(&calls, nil))

	require.NoError(t, s.Rescan())
	assert.Equal(t, 0, calls)
	assert.Len(t, s.Objects(), 0)
}

func TestReloadAtomicityKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.twc")
	require.NoError(t, os.WriteFile(path, []byte("/good"), 0o644))

	var calls int
	s := New(dir, ".twc", fakeMux{}, nil, nil)
	s.SetParser(countingParser(&calls, nil))
	require.NoError(t, s.Rescan())
	require.Len(t, s.Objects(), 1)
	first := s.Objects()[0]

	// Break the parser for this path and touch the file so it reloads.
	s.SetParser(countingParser(&calls, map[string]bool{path: true}))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	err := s.Rescan()
	require.Error(t, err)

	// The previous descriptor set must still be installed.
	require.Len(t, s.Objects(), 1)
	assert.Same(t, first, s.Objects()[0])
}

func TestRescanDropsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.twc")
	require.NoError(t, os.WriteFile(path, []byte("/a"), 0o644))

	var calls int
	s := New(dir, ".twc", fakeMux{}, nil, nil)
	s.SetParser(countingParser(&calls, nil))
	require.NoError(t, s.Rescan())
	require.Len(t, s.Objects(), 1)

	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Rescan())
	assert.Len(t, s.Objects(), 0)
}
