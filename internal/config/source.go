// Package config implements the Config Source: it tracks a directory of
// files, each parsed independently into a set of watch.Descriptors, and
// reloads a file's descriptor set atomically when that file changes.
//
// The parsing itself is pluggable (spec's "the configuration-file language
// is out of scope of the core") — Source depends only on a Parser function;
// internal/config/twcfile supplies the canonical YAML front-end.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/liquidgecka/twitcher/internal/runner"
	"github.com/liquidgecka/twitcher/internal/watch"
)

// Parser decodes one config file's bytes into the watch descriptors it
// declares. A non-nil error means the file is unparsable; Source leaves
// any previously installed descriptors for that file untouched, matching
// spec.md §4.5's per-file atomicity rule.
type Parser func(path string, data []byte) ([]watch.Descriptor, error)

// fileState is the per-file installed descriptor set, keyed by path.
type fileState struct {
	modTime int64
	objects []*watch.Object
}

// Source owns the set of watch.Objects currently active across all config
// files in a directory tree. It does not watch the filesystem itself —
// internal/eventloop's fsnotify integration calls Rescan after filesystem
// events,
// mirroring the original's split between the notification mechanism
// (inotify.InotifyWatcher) and the policy (config.ConfigFile).
type Source struct {
	root     string
	suffix   string
	parse    Parser
	mux      watch.Multiplexer
	logger   *zap.Logger
	onLaunch func(*runner.Subprocess)

	mu    sync.Mutex
	files map[string]*fileState
}

// New creates a Source rooted at root, recognizing files whose name ends
// in suffix (canonically ".twc"). onLaunch is forwarded to every
// watch.Object created, so the event loop can register new stdin fds.
func New(root, suffix string, mux watch.Multiplexer, logger *zap.Logger, onLaunch func(*runner.Subprocess)) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		root:     root,
		suffix:   suffix,
		mux:      mux,
		logger:   logger,
		onLaunch: onLaunch,
		files:    make(map[string]*fileState),
	}
}

// SetParser installs the Parser used for every (re)load. Source has no
// usable default; callers wire in twcfile.Parse or a test fake.
func (s *Source) SetParser(p Parser) { s.parse = p }

// Rescan walks the directory tree rooted at s.root, skipping dot-prefixed
// directories (spec.md §4.5 recursion rule) and non-regular/unreadable
// entries, reloading any recognized file whose mtime changed and dropping
// state for files that disappeared. It returns an aggregated error naming
// every file that failed to parse this pass; previously installed
// descriptors for those files remain active.
func (s *Source) Rescan() error {
	seen := make(map[string]bool)
	var result *multierror.Error

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			if path != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), s.suffix) {
			return nil
		}
		seen[path] = true

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			return nil
		}

		s.mu.Lock()
		prev, had := s.files[path]
		s.mu.Unlock()
		if had && prev.modTime == info.ModTime().UnixNano() {
			return nil
		}

		if err := s.reloadFile(path, info.ModTime().UnixNano()); err != nil {
			result = multierror.Append(result, err)
		}
		return nil
	})
	if err != nil {
		result = multierror.Append(result, err)
	}

	s.dropMissing(seen)
	if result == nil {
		return nil
	}
	return result
}

// reloadFile parses path and, on success, atomically swaps in the new
// descriptor set, initializing each new watch.Object exactly once. On
// failure the previous set (if any) is left untouched.
func (s *Source) reloadFile(path string, modTime int64) error {
	s.logger.Info("loading configuration", zap.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		return errWrap(path, err)
	}
	descs, err := s.parse(path, data)
	if err != nil {
		s.logger.Error("failed to parse config file, keeping previous set",
			zap.String("path", path), zap.Error(err))
		return errWrap(path, err)
	}

	objs := make([]*watch.Object, 0, len(descs))
	for _, d := range descs {
		o := watch.New(d, s.mux, s.logger, s.onLaunch)
		o.Init()
		objs = append(objs, o)
	}

	s.mu.Lock()
	s.files[path] = &fileState{modTime: modTime, objects: objs}
	s.mu.Unlock()
	s.logger.Info("successfully loaded configuration", zap.String("path", path), zap.Int("watches", len(objs)))
	return nil
}

// dropMissing removes file state for any previously tracked file no
// longer present on this pass.
func (s *Source) dropMissing(seen map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.files {
		if !seen[path] {
			delete(s.files, path)
		}
	}
}

// Objects returns every currently active watch.Object across all loaded
// files, in a stable order (sorted by file path) so callers (the event
// loop's fd-collection pass) get deterministic iteration.
func (s *Source) Objects() []*watch.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var out []*watch.Object
	for _, p := range paths {
		out = append(out, s.files[p].objects...)
	}
	return out
}

func errWrap(path string, err error) error {
	return &fileError{path: path, err: err}
}

type fileError struct {
	path string
	err  error
}

func (e *fileError) Error() string { return e.path + ": " + e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }
