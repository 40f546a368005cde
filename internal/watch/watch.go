// Package watch implements the Watch Object: it converts a sequence of
// zkmux change notifications for one znode into a sequence of child-process
// launches, respecting the configured run mode and pipe_stdin setting.
package watch

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/liquidgecka/twitcher/internal/action"
	"github.com/liquidgecka/twitcher/internal/metrics"
	"github.com/liquidgecka/twitcher/internal/runner"
	"github.com/liquidgecka/twitcher/internal/zkmux"
)

// RunMode selects how a Watch Object reacts to a notification that arrives
// while its action is still running.
type RunMode int

const (
	// RunModeQueue defers at most one run until the current one finishes,
	// coalescing any number of notifications received while running.
	RunModeQueue RunMode = iota
	// RunModeParallel execs a new process for every notification,
	// regardless of how many are already running.
	RunModeParallel
	// RunModeDiscard drops notifications received while running; the
	// watch is still re-armed so no later notification is missed.
	RunModeDiscard
)

// Type selects which znode aspect is watched.
type Type int

const (
	TypeData Type = iota
	TypeChildren
)

// Descriptor is the Go realization of spec.md's WatchDescriptor entity.
type Descriptor struct {
	Path         string
	Action       action.Action
	PipeStdin    bool
	RunOnLoad    bool
	RunMode      RunMode
	Type         Type
	Identity     runner.Identity
	NotifySignal syscall.Signal // 0 means unset
	Timeout      time.Duration  // 0 means unset
	Description  string
}

// state is the per-WO lifecycle from spec.md §4.3.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateRunningPending
	stateRunningDiscard
)

// pendingNotification is the single deferred event a QUEUE-mode WO may
// hold, coalescing any number of notifications that arrive while running.
type pendingNotification struct{}

// Multiplexer is the subset of *zkmux.Multiplexer a Watch Object depends
// on, extracted so tests can drive an Object without a real coordination
// service connection.
type Multiplexer interface {
	WatchData(path string, watcher zkmux.Watcher, handler zkmux.Handler) (zkmux.ID, zkmux.ID)
	WatchChildren(path string, watcher zkmux.Watcher, handler zkmux.Handler) (zkmux.ID, zkmux.ID)
	Unregister(path string, kind zkmux.Kind, ids ...zkmux.ID)
}

// Object drives one Descriptor's lifecycle: registering watches with a
// Multiplexer, launching runner.Subprocess instances through an
// action.Action, and reacting to their exit.
type Object struct {
	desc   Descriptor
	mux    Multiplexer
	logger *zap.Logger

	// onLaunch is called whenever a subprocess starts, so the owning event
	// loop can register its stdin fd with the poller.
	onLaunch func(*runner.Subprocess)

	metrics *metrics.Counters

	mu         sync.Mutex
	state      state
	processes  []*runner.Subprocess
	hasPending bool
	watcherID  zkmux.ID
}

// New creates a Watch Object bound to mux. It does not register any
// watches yet; call Init for that.
func New(desc Descriptor, mux Multiplexer, logger *zap.Logger, onLaunch func(*runner.Subprocess)) *Object {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Object{
		desc:     desc,
		mux:      mux,
		logger:   logger,
		onLaunch: onLaunch,
		metrics:  metrics.New(desc.Description, logger),
	}
}

// Metrics returns the launch/exit/timeout counters for this Object, for
// an operator-facing introspection surface or test assertions.
func (o *Object) Metrics() *metrics.Counters { return o.metrics }

// Descriptor returns the configuration this Object was built from.
func (o *Object) Descriptor() Descriptor { return o.desc }

// Init registers the initial watch and, if RunOnLoad is set, also requests
// the current value so the action runs once at load time. Matches
// spec.md's "On init, register a watch on the path" rule.
func (o *Object) Init() {
	o.registerWatch(o.desc.RunOnLoad)
}

// registerWatch re-arms the znode watch, optionally also requesting the
// current value (handler != nil) so the action runs once the get
// completes.
func (o *Object) registerWatch(withHandler bool) {
	var handler zkmux.Handler
	if withHandler {
		handler = o.handleGet
	}
	var watcherID zkmux.ID
	switch o.desc.Type {
	case TypeChildren:
		watcherID, _ = o.mux.WatchChildren(o.desc.Path, o.onWatchFired, handler)
	default:
		watcherID, _ = o.mux.WatchData(o.desc.Path, o.onWatchFired, handler)
	}
	o.mu.Lock()
	o.watcherID = watcherID
	o.mu.Unlock()
}

// onWatchFired is zkmux's Watcher callback: the znode changed. This is the
// "change notification" event in spec.md §4.3's state table.
func (o *Object) onWatchFired(path string) {
	o.logger.Info("received watch notification", zap.String("path", path), zap.String("description", o.desc.Description))

	o.mu.Lock()
	running := len(o.processes) > 0
	if running && o.desc.RunMode != RunModeParallel {
		switch o.desc.RunMode {
		case RunModeDiscard:
			o.state = stateRunningDiscard
		default: // RunModeQueue
			o.state = stateRunningPending
			o.hasPending = true
		}
		o.logger.Warn("postponing processing, action already running",
			zap.String("description", o.desc.Description))
		o.mu.Unlock()
		if o.desc.RunMode == RunModeQueue {
			o.notifySignal()
		}
		return
	}
	o.mu.Unlock()

	// Re-register before exec so notifications arriving mid-exec are not
	// lost (spec.md §4.3 edge case).
	o.registerWatch(o.desc.PipeStdin)
	if !o.desc.PipeStdin {
		o.launch(nil)
	}
}

// handleGet is zkmux's Handler callback, invoked once the get that
// accompanies a pipe_stdin watch completes.
func (o *Object) handleGet(path string, result zkmux.GetResult) {
	if result.Err != nil {
		o.logger.Error("get failed, skipping this cycle",
			zap.String("path", path), zap.Error(result.Err),
			zap.String("description", o.desc.Description))
		return
	}
	var payload []byte
	switch o.desc.Type {
	case TypeChildren:
		payload = joinChildren(result.Children)
	default:
		payload = result.Data
	}
	if !o.desc.PipeStdin {
		// run_on_load also arrives through this get; without pipe_stdin the
		// child gets an empty stdin, as on a notification-driven run.
		payload = nil
	}
	o.launch(payload)
}

func joinChildren(children []string) []byte {
	out := make([]byte, 0)
	for i, c := range children {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, c...)
	}
	return out
}

// launch starts the action's subprocess and transitions Idle->Running (or
// stays in Running, for PARALLEL).
func (o *Object) launch(stdin []byte) {
	o.logger.Warn("executing action", zap.String("description", o.desc.Description))
	sr, err := runner.Start(o.desc.Action, o.desc.Identity, stdin, o.desc.Description, o.desc.Timeout)
	if err != nil {
		o.logger.Error("failed to start action, skipping this execution",
			zap.Error(err), zap.String("description", o.desc.Description))
		return
	}

	o.mu.Lock()
	o.processes = append(o.processes, sr)
	o.state = stateRunning
	o.mu.Unlock()

	o.metrics.Launched(sr.Pid())
	if o.onLaunch != nil {
		o.onLaunch(sr)
	}
}

// FDs returns the write-end descriptors of every running process's stdin
// pipe that still has data to drain, for the event loop's poller
// registration.
func (o *Object) FDs() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var fds []int
	for _, p := range o.processes {
		if fd, ok := p.StdinFD(); ok {
			fds = append(fds, fd)
		}
	}
	return fds
}

// WriteStdin is called by the event loop when fd becomes writable. It is a
// no-op if fd does not belong to any of this Object's processes.
func (o *Object) WriteStdin(fd int) {
	o.mu.Lock()
	procs := append([]*runner.Subprocess(nil), o.processes...)
	o.mu.Unlock()
	for _, p := range procs {
		if pfd, ok := p.StdinFD(); ok && pfd == fd {
			if err := p.WriteStdin(); err != nil {
				o.logger.Error("stdin write failed", zap.Error(err),
					zap.String("description", o.desc.Description))
			}
			return
		}
	}
}

// notifySignal delivers notify_signal to every currently running process,
// the advisory interrupt spec.md §5 describes for QUEUE-mode notifications
// arriving while an action executes.
func (o *Object) notifySignal() {
	if o.desc.NotifySignal == 0 {
		return
	}
	o.mu.Lock()
	procs := append([]*runner.Subprocess(nil), o.processes...)
	o.mu.Unlock()
	for _, p := range procs {
		_ = p.Signal(o.desc.NotifySignal)
	}
}

// SIGCHLD polls every running process for exit, reaping those that have
// terminated, and runs the post-exec transition for each one reaped.
func (o *Object) SIGCHLD() {
	o.mu.Lock()
	var reaped []runner.ExitResult
	remaining := o.processes[:0]
	for _, p := range o.processes {
		if res, ok := p.Poll(); ok {
			reaped = append(reaped, res)
			o.logger.Warn("process exited",
				zap.String("description", o.desc.Description),
				zap.Int("exit_code", res.ExitCode))
			o.metrics.Exited(p.Pid(), res.ExitCode)
		} else {
			remaining = append(remaining, p)
		}
	}
	o.processes = remaining
	lastExit := len(o.processes) == 0
	o.mu.Unlock()

	if len(reaped) > 0 && lastExit {
		o.postExec()
	}
}

// postExec runs the Running->Idle transition from spec.md §4.3: in QUEUE
// mode, replay the single coalesced pending notification; in DISCARD mode,
// just re-arm the watch with no handler.
func (o *Object) postExec() {
	o.mu.Lock()
	st := o.state
	hadPending := o.hasPending
	o.hasPending = false
	o.state = stateIdle
	o.mu.Unlock()

	switch st {
	case stateRunningDiscard:
		o.registerWatch(false)
	case stateRunningPending:
		if hadPending {
			o.onWatchFired(o.desc.Path)
		}
	}
}
