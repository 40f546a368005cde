// Package eventloop implements the Event Loop: a single goroutine that
// multiplexes child-termination signals, configuration directory changes,
// and child-stdin writability into in-order calls on the Watch Objects and
// Config Source it owns, without busy-waiting.
package eventloop

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/liquidgecka/twitcher/internal/config"
	"github.com/liquidgecka/twitcher/internal/eventloop/poller"
	"github.com/liquidgecka/twitcher/internal/runner"
)

// safetyTick is the "tolerate lost signals" timeout from spec.md §4.4: on
// expiry the loop checks every WO's children regardless of whether SIGCHLD
// actually fired.
const safetyTick = 60 * time.Second

// Loop owns the Config Source and drives SIGCHLD, filesystem rescans, and
// stdin writability to completion without ever blocking on a user action.
type Loop struct {
	source  *config.Source
	logger  *zap.Logger
	poller  *poller.Poller
	watcher *fsnotify.Watcher

	sigCh   chan os.Signal
	wakeCh  chan struct{}
	stopCh  chan struct{}
	stopped sync.Once

	mu         sync.Mutex
	registered map[int]bool
}

// New wires a Loop around source. The caller is responsible for calling
// Run on a dedicated goroutine (or the main one) and Stop to shut down.
func New(source *config.Source, logger *zap.Logger) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		p.Close()
		return nil, err
	}

	l := &Loop{
		source:     source,
		logger:     logger,
		poller:     p,
		watcher:    fw,
		sigCh:      make(chan os.Signal, 4),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		registered: make(map[int]bool),
	}
	return l, nil
}

// OnLaunch is the callback handed to config.New/watch.New: it registers a
// newly started subprocess's stdin fd with the poller and wakes the loop
// so it is picked up without waiting out the rest of the safety tick —
// the Go analog of the original's "write a byte to the wake-up pipe after
// every exec".
func (l *Loop) OnLaunch(sr *runner.Subprocess) {
	fd, ok := sr.StdinFD()
	if !ok {
		return
	}
	// Registered unconditionally: a descriptor closed after draining is
	// reused by later pipes while it may still be marked in registered,
	// and the poller treats an already-registered fd as success.
	l.mu.Lock()
	l.registered[fd] = true
	l.poller.Register(fd)
	l.mu.Unlock()
	l.poller.Wake()
}

// WatchRoot adds root to the set of directories fsnotify observes,
// recursing into subdirectories but skipping dot-prefixed basenames, per
// spec.md §4.5's recursion rule. Call once at startup before Run.
func (l *Loop) WatchRoot(root string) error {
	return addRecursive(l.watcher, root)
}

func addRecursive(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		if err := addRecursive(w, dir+"/"+e.Name()); err != nil {
			return err
		}
	}
	return nil
}

// Run installs the SIGCHLD handler and enters the multiplexed loop. It
// returns only after Stop is called.
func (l *Loop) Run() {
	signal.Notify(l.sigCh, syscall.SIGCHLD)
	defer signal.Stop(l.sigCh)
	defer l.poller.Close()

	// SIGCHLD must interrupt a poller.Wait already in progress, not just be
	// noticed on the next loop iteration: the select below spends almost
	// all its time blocked inside pollOnce's poller.Wait(safetyTick), and
	// nothing else reads l.sigCh while that block is in flight. This
	// goroutine is the one reader of l.sigCh; it does nothing but force an
	// in-progress or upcoming Wait to return immediately, the same prompt
	// wake OnLaunch uses for newly registered fds. The actual reap still
	// happens through dispatchSIGCHLD, called unconditionally after every
	// pollOnce per the "tolerate lost signals" policy.
	go func() {
		for {
			select {
			case <-l.sigCh:
				l.poller.Wake()
			case <-l.stopCh:
				return
			}
		}
	}()

	// Initial load before the first wait, so descriptors are active from
	// process start even if no fs event ever fires.
	if err := l.source.Rescan(); err != nil {
		l.logger.Error("initial configuration scan had errors", zap.Error(err))
	}

	rescanPending := false
	for {
		select {
		case <-l.stopCh:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				continue
			}
			l.logger.Debug("filesystem event", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
			rescanPending = true
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addRecursive(l.watcher, ev.Name)
				}
			}
		case err, ok := <-l.watcher.Errors:
			if ok {
				l.logger.Error("filesystem watcher error", zap.Error(err))
			}
		default:
			if rescanPending {
				rescanPending = false
				if err := l.source.Rescan(); err != nil {
					l.logger.Error("configuration rescan had errors", zap.Error(err))
				}
			}
			l.pollOnce()
		}
	}
}

// pollOnce waits on the poller for writable stdin fds (or the safety
// tick) and drains every ready one, then re-checks children regardless —
// the "tolerate lost signals" policy from spec.md §4.4.
func (l *Loop) pollOnce() {
	ready, err := l.poller.Wait(safetyTick)
	if err != nil {
		l.logger.Error("poller wait failed, treating as fatal", zap.Error(err))
		l.Stop()
		return
	}
	for _, fd := range ready {
		l.writeReady(fd)
	}
	l.dispatchSIGCHLD()
}

func (l *Loop) writeReady(fd int) {
	for _, o := range l.source.Objects() {
		o.WriteStdin(fd)
	}
}

// dispatchSIGCHLD invokes SIGCHLD on every active Watch Object, reaping
// any processes that have exited and unregistering stdin fds that closed
// as a result.
func (l *Loop) dispatchSIGCHLD() {
	for _, o := range l.source.Objects() {
		before := fdSet(o.FDs())
		o.SIGCHLD()
		after := fdSet(o.FDs())
		for fd := range before {
			if !after[fd] {
				l.mu.Lock()
				delete(l.registered, fd)
				l.mu.Unlock()
				l.poller.Unregister(fd)
			}
		}
	}
}

func fdSet(fds []int) map[int]bool {
	m := make(map[int]bool, len(fds))
	for _, fd := range fds {
		m[fd] = true
	}
	return m
}

// Stop ends Run's loop, waking a poller wait in progress, and closes the
// fsnotify watcher. Run closes the poller as it returns.
func (l *Loop) Stop() {
	l.stopped.Do(func() {
		close(l.stopCh)
		l.poller.Wake()
		l.watcher.Close()
	})
}
