// Package metrics provides minimal, local observability for Watch Objects:
// structured log lines at every state transition an operator needs to
// answer "is this watch stuck", without standing up a push/pull metrics
// system (coordinating observability across daemon instances is outside
// this core's scope, same as coordinating the watches themselves).
package metrics

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Counters tracks per-descriptor launch/exit/timeout counts in memory.
// It is safe for concurrent use from the event loop goroutine and any
// zkmux dispatch goroutine that reports through it.
type Counters struct {
	description string
	logger      *zap.Logger

	launched int64
	exited   int64
	timedOut int64
	failed   int64
}

// New creates a Counters bound to description, the same free-form label
// carried on a watch.Descriptor, so log lines and counts can be
// correlated back to the configuration that produced them.
func New(description string, logger *zap.Logger) *Counters {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counters{description: description, logger: logger}
}

// Launched records a subprocess start.
func (c *Counters) Launched(pid int) {
	n := atomic.AddInt64(&c.launched, 1)
	c.logger.Info("subprocess launched",
		zap.String("description", c.description), zap.Int("pid", pid), zap.Int64("total_launched", n))
}

// Exited records a subprocess reap with its exit code.
func (c *Counters) Exited(pid, exitCode int) {
	n := atomic.AddInt64(&c.exited, 1)
	if exitCode != 0 {
		atomic.AddInt64(&c.failed, 1)
	}
	c.logger.Info("subprocess exited",
		zap.String("description", c.description), zap.Int("pid", pid),
		zap.Int("exit_code", exitCode), zap.Int64("total_exited", n))
}

// TimedOut records that a subprocess was killed for exceeding its
// configured timeout.
func (c *Counters) TimedOut(pid int) {
	n := atomic.AddInt64(&c.timedOut, 1)
	c.logger.Warn("subprocess exceeded timeout, sent termination signal",
		zap.String("description", c.description), zap.Int("pid", pid), zap.Int64("total_timed_out", n))
}

// Snapshot is a point-in-time read of all counters, for an eventual
// introspection endpoint or just test assertions.
type Snapshot struct {
	Launched int64
	Exited   int64
	TimedOut int64
	Failed   int64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Launched: atomic.LoadInt64(&c.launched),
		Exited:   atomic.LoadInt64(&c.exited),
		TimedOut: atomic.LoadInt64(&c.timedOut),
		Failed:   atomic.LoadInt64(&c.failed),
	}
}
