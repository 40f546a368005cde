package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidgecka/twitcher/internal/action"
	"github.com/liquidgecka/twitcher/internal/runner"
	"github.com/liquidgecka/twitcher/internal/zkmux"
)

// fakeMux is an in-memory Multiplexer that lets tests fire watches and
// gets synchronously and deterministically, without a real zk connection.
type fakeMux struct {
	mu       sync.Mutex
	watcher  zkmux.Watcher
	handler  zkmux.Handler
	getCount int
	data     []byte
	children []string
}

func (f *fakeMux) WatchData(path string, w zkmux.Watcher, h zkmux.Handler) (zkmux.ID, zkmux.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w != nil {
		f.watcher = w
	}
	if h != nil {
		f.handler = h
		f.getCount++
		go h(path, zkmux.GetResult{Data: f.data})
	}
	return zkmux.ID{}, zkmux.ID{}
}

func (f *fakeMux) WatchChildren(path string, w zkmux.Watcher, h zkmux.Handler) (zkmux.ID, zkmux.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w != nil {
		f.watcher = w
	}
	if h != nil {
		f.handler = h
		f.getCount++
		go h(path, zkmux.GetResult{Children: f.children})
	}
	return zkmux.ID{}, zkmux.ID{}
}

func (f *fakeMux) Unregister(path string, kind zkmux.Kind, ids ...zkmux.ID) {}

func (f *fakeMux) fireWatcher(path string) {
	f.mu.Lock()
	w := f.watcher
	f.mu.Unlock()
	if w != nil {
		w(path)
	}
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newQueueDescriptor(runMode RunMode) Descriptor {
	return Descriptor{
		Path:        "/x",
		Action:      action.Shell("sleep 0.2"),
		PipeStdin:   false,
		RunOnLoad:   false,
		RunMode:     runMode,
		Description: "test",
	}
}

func TestQueueModeCoalescesNotifications(t *testing.T) {
	mux := &fakeMux{}
	var launches int32
	var mu sync.Mutex
	o := New(newQueueDescriptor(RunModeQueue), mux, nil, func(sr *runner.Subprocess) {
		mu.Lock()
		launches++
		mu.Unlock()
	})
	o.Init()

	// First notification execs immediately.
	mux.fireWatcher("/x")
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return launches == 1
	})

	// Five more notifications while running must coalesce into exactly
	// one additional exec once the first completes.
	for i := 0; i < 5; i++ {
		mux.fireWatcher("/x")
	}

	for {
		o.SIGCHLD()
		mu.Lock()
		n := launches
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Allow the second exec to finish and reap it so no extra run sneaks
	// in afterward.
	time.Sleep(300 * time.Millisecond)
	for i := 0; i < 20; i++ {
		o.SIGCHLD()
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(2), launches)
}

func TestParallelModeFansOut(t *testing.T) {
	mux := &fakeMux{}
	var launches int32
	var mu sync.Mutex
	o := New(newQueueDescriptor(RunModeParallel), mux, nil, func(sr *runner.Subprocess) {
		mu.Lock()
		launches++
		mu.Unlock()
	})
	o.Init()

	for i := 0; i < 5; i++ {
		mux.fireWatcher("/x")
	}

	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return launches == 5
	})
}

func TestDiscardModeDropsNotifications(t *testing.T) {
	mux := &fakeMux{}
	var launches int32
	var mu sync.Mutex
	o := New(newQueueDescriptor(RunModeDiscard), mux, nil, func(sr *runner.Subprocess) {
		mu.Lock()
		launches++
		mu.Unlock()
	})
	o.Init()

	mux.fireWatcher("/x")
	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return launches == 1
	})

	for i := 0; i < 5; i++ {
		mux.fireWatcher("/x")
	}

	time.Sleep(300 * time.Millisecond)
	for i := 0; i < 20; i++ {
		o.SIGCHLD()
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), launches)
}

func TestRunOnLoadTriggersInitialGet(t *testing.T) {
	mux := &fakeMux{data: []byte("payload")}
	launched := make(chan []byte, 1)
	desc := Descriptor{
		Path:        "/y",
		Action:      action.Fn(func() error { return nil }),
		PipeStdin:   true,
		RunOnLoad:   true,
		RunMode:     RunModeQueue,
		Description: "load-test",
	}
	o := New(desc, mux, nil, func(sr *runner.Subprocess) { launched <- nil })
	o.Init()

	select {
	case <-launched:
	case <-time.After(2 * time.Second):
		t.Fatal("run_on_load never launched the action")
	}
	require.Equal(t, 1, mux.getCount)
}
