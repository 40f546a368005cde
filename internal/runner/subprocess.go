// Package runner executes twitcher Actions as isolated child processes: it
// resolves uid/gid, wires a pipe to stdin, discards stdout/stderr, and
// exposes the non-blocking poll/write/signal operations the event loop
// needs to manage many children without ever blocking its single goroutine.
package runner

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/liquidgecka/twitcher/internal/action"
)

// ExitResult is returned by Poll once a process has terminated.
type ExitResult struct {
	ExitCode int
	Err      error // non-nil if the process could not be waited on cleanly
}

// Subprocess is the runtime state of one forked action, corresponding to
// spec.md's Subprocess entity. The zero value is not usable; construct one
// with Start.
type Subprocess struct {
	Description string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    fder // nil once drained or piping was disabled
	buf      []byte
	exited   bool
	exitCode int
	waitErr  error

	timeoutTimer *time.Timer
}

// fder is the subset of *os.File Subprocess needs; it exists only so tests
// can be written against subprocess.go's write-draining logic without a
// real pipe, though in production it is always a genuine *os.File.
type fder interface {
	Fd() uintptr
	Close() error
}

// Start forks and execs a process-backed action. Fn actions instead run
// synchronously in-process and return an already-exited Subprocess — see
// action.Fn's docs for why that variant does not get containment.
//
// stdin is the data to pipe to the child (may be empty/nil); it is only
// used for process-backed actions. timeout, if non-zero, forcibly sends
// SIGTERM to the child after that long.
func Start(a action.Action, id Identity, stdin []byte, description string, timeout time.Duration) (*Subprocess, error) {
	if !a.IsProcess() {
		err := a.Func()()
		code := 0
		if err != nil {
			code = 1
		}
		return &Subprocess{Description: description, exited: true, exitCode: code, waitErr: err}, nil
	}

	argv := a.Command()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = credentialFor(id)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "runner: creating stdin pipe")
	}
	// Stdout/Stderr are left nil: os/exec connects a nil stream to
	// /dev/null, which is exactly the child environment spec.md §6
	// requires, without enumerating and closing descriptors by hand.

	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		return nil, errors.Wrapf(err, "runner: forking %q", description)
	}

	f, ok := stdinPipe.(fder)
	if !ok {
		// Always true in production (os/exec.StdinPipe returns *os.File),
		// guarded here defensively rather than panicking.
		stdinPipe.Close()
		return nil, errors.New("runner: stdin pipe has unexpected type")
	}
	if err := setNonblock(f.Fd()); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "runner: setting stdin non-blocking")
	}

	sr := &Subprocess{
		Description: description,
		cmd:         cmd,
		stdin:       f,
		buf:         append([]byte(nil), stdin...),
	}
	if len(sr.buf) == 0 {
		// "Empty pipe_stdin data: child still receives an open then
		// immediately closed stdin" — spec.md §8 boundary behavior.
		sr.closeStdinLocked()
	}
	if timeout > 0 {
		sr.timeoutTimer = time.AfterFunc(timeout, func() {
			sr.Signal(syscall.SIGTERM)
		})
	}
	return sr, nil
}

func credentialFor(id Identity) *syscall.SysProcAttr {
	if id.UID == nil && id.GID == nil {
		return nil
	}
	// A half left nil keeps the daemon's own id: a Credential always
	// applies both fields, so a zero default would switch to id 0.
	cred := &syscall.Credential{Uid: uint32(syscall.Getuid()), Gid: uint32(syscall.Getgid())}
	if id.GID != nil {
		cred.Gid = *id.GID
	}
	if id.UID != nil {
		cred.Uid = *id.UID
	}
	// os/exec applies the Credential in the forked child just before
	// execve, calling setgid before setuid, which is the same "group
	// before user" order the original's _child_exec used.
	return &syscall.SysProcAttr{Credential: cred}
}

func setNonblock(fd uintptr) error {
	return unix.SetNonblock(int(fd), true)
}

// Pid returns the child's process id, or -1 for an Fn action that never
// forked.
func (s *Subprocess) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// StdinFD returns the raw write-end descriptor of the child's stdin pipe,
// for registration with the event loop's poller. ok is false once the
// pipe has been closed (including the "already drained at Start" case),
// matching the invariant "stdin_fd is non-null iff there is residual
// buffer to write".
func (s *Subprocess) StdinFD() (fd int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return 0, false
	}
	return int(s.stdin.Fd()), true
}

// WriteStdin attempts a best-effort, non-blocking write of the remaining
// buffer. It closes the pipe once the buffer is fully drained. Called from
// the event loop when the poller reports the descriptor writable.
func (s *Subprocess) WriteStdin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	// (*os.File).Fd puts a pipe back into blocking mode, so non-blocking
	// mode is restored right before every write.
	fd := s.stdin.Fd()
	if err := setNonblock(fd); err != nil {
		s.closeStdinLocked()
		return errors.Wrap(err, "runner: setting stdin non-blocking")
	}
	n, err := unix.Write(int(fd), s.buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		s.closeStdinLocked()
		return errors.Wrap(err, "runner: writing stdin")
	}
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.closeStdinLocked()
	}
	return nil
}

func (s *Subprocess) closeStdinLocked() {
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
}

// Poll performs a non-blocking reap. It returns (result, true) once the
// process has exited; (zero, false) otherwise. Calling Poll again after it
// has already reported an exit is a programming error.
func (s *Subprocess) Poll() (ExitResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return ExitResult{ExitCode: s.exitCode, Err: s.waitErr}, true
	}
	if s.cmd == nil {
		// Fn actions are marked exited at Start; unreachable in practice.
		return ExitResult{}, false
	}

	var ws unix.WaitStatus
	pid, err := unix.Wait4(s.cmd.Process.Pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		s.exited = true
		s.waitErr = errors.Wrap(err, "runner: wait4")
		return ExitResult{Err: s.waitErr}, true
	}
	if pid == 0 {
		return ExitResult{}, false
	}

	s.exited = true
	s.exitCode = ws.ExitStatus()
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.closeStdinLocked()
	return ExitResult{ExitCode: s.exitCode}, true
}

// Signal delivers sig to the running child. It is advisory: the child is
// free to ignore it. Used both for notify_signal interrupts and for the
// timeout-driven kill.
func (s *Subprocess) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil || s.exited {
		return nil
	}
	return s.cmd.Process.Signal(sig)
}

// Close releases resources without blocking. If stdin is still open it is
// closed; the process itself is left to be reaped through the normal
// SIGCHLD/Poll path.
func (s *Subprocess) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStdinLocked()
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
}
