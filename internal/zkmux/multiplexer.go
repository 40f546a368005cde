// Package zkmux presents a reference-counted, unregisterable watch API over
// a ZooKeeper client that (a) fires each watch exactly once and (b) offers
// no way to cancel a registered watch.
//
// For a given (kind, path) pair, the first call to WatchData/WatchChildren
// triggers a single underlying get (with a server-side watch attached iff a
// Watcher was supplied); later calls for the same pair arriving before that
// get completes attach to the same outstanding request instead of issuing a
// new one.
package zkmux

import (
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Watcher is invoked once when a previously watched znode changes. It
// receives no payload; consumers that want the new contents re-register via
// WatchData/WatchChildren from inside the callback, which is the mechanism
// that lets many callers batch onto a single subsequent get.
type Watcher func(path string)

// GetResult carries the outcome of the get that backs a (kind, path)
// registration. Exactly one of Data or Children is meaningful, depending on
// the kind the Handler was registered under.
type GetResult struct {
	Data     []byte
	Children []string
	Stat     *zk.Stat
	Err      error
}

// Handler receives the result of a get, whether issued because of a fresh
// registration or because a Watcher fired and re-armed the watch.
type Handler func(path string, result GetResult)

// Kind selects between watching a znode's data and watching its child list.
type Kind int

const (
	KindData Kind = iota
	KindChildren
)

func (k Kind) String() string {
	if k == KindChildren {
		return "children"
	}
	return "data"
}

// ID names one registered Watcher or Handler so it can later be removed via
// Unregister. The zero ID never matches a real registration.
type ID uuid.UUID

var zeroID ID

type watcherEntry struct {
	id ID
	fn Watcher
}

type handlerEntry struct {
	id ID
	fn Handler
}

type registrationKey struct {
	kind Kind
	path string
}

// registration is the per-(kind,path) bookkeeping described in spec.md's
// WatchRegistration entity: callback lists plus the flags that decide
// whether a new registration needs to kick off a fresh get.
type registration struct {
	watchers       []watcherEntry
	handlers       []handlerEntry
	watchArmed     bool // a server-side watch is outstanding for this path
	getOutstanding bool // a get (with or without a watch) is in flight
}

type pendingGet struct {
	kind      Kind
	path      string
	withWatch bool
}

// Multiplexer owns one connection to the coordination service and
// multiplexes any number of Watchers/Handlers per (kind, path) onto it.
//
// Multiplexer is the only component in this module that must be internally
// thread-safe: the underlying zk client dispatches session events from its
// own goroutine, and reconnect bookkeeping runs on the Multiplexer's own
// background goroutine, both concurrently with calls made from the event
// loop goroutine.
type Multiplexer struct {
	logger         *zap.Logger
	servers        []string
	sessionTimeout time.Duration

	regMu sync.Mutex // guards reg and the pending queue
	reg   map[registrationKey]*registration

	// dispatchMu is held across an entire watcher-fire or handler-fire loop.
	// Holding it across both enforces "watchers run before the handler on
	// any subsequent get": a handler delivery can't interleave with an
	// in-progress watcher firing for the same (or a different) path, so any
	// re-registration a watcher performs is fully accounted for before the
	// next handler delivery is allowed to proceed.
	dispatchMu sync.Mutex

	pendingMu sync.Mutex
	pending   []pendingGet

	connMu sync.Mutex
	conn   zkConn

	dial dialFunc

	closeOnce sync.Once
	closeCh   chan struct{}
}

// zkConn is the subset of *zk.Conn that Multiplexer depends on, extracted
// so tests can substitute a fake coordination-service client without
// spinning up a real ZooKeeper server.
type zkConn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Close()
}

// dialFunc abstracts zk.Connect for testing.
type dialFunc func(servers []string, sessionTimeout time.Duration) (zkConn, <-chan zk.Event, error)

func defaultDial(servers []string, sessionTimeout time.Duration) (zkConn, <-chan zk.Event, error) {
	return zk.Connect(servers, sessionTimeout)
}

// Dial creates a Multiplexer and starts its background connect loop. It
// never blocks waiting for the coordination service to become reachable;
// DNS and connection failures are logged and retried every second until
// Close is called, matching the Initial→Connecting state in spec.md §4.1.
func Dial(servers []string, sessionTimeout time.Duration, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multiplexer{
		logger:         logger,
		servers:        servers,
		sessionTimeout: sessionTimeout,
		reg:            make(map[registrationKey]*registration),
		dial:           defaultDial,
		closeCh:        make(chan struct{}),
	}
	go m.connectLoop()
	return m
}

// Close tears down the underlying connection. Outstanding watchers and
// handlers are never invoked; they simply never fire.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.connMu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.connMu.Unlock()
	})
}

// WatchData registers a data watcher and/or a data handler for path. Either
// may be nil. It returns the IDs to pass to Unregister, one per non-nil
// argument (the zero ID otherwise).
func (m *Multiplexer) WatchData(path string, watcher Watcher, handler Handler) (watcherID, handlerID ID) {
	return m.watch(KindData, path, watcher, handler)
}

// WatchChildren registers a children watcher and/or a children handler for
// path, symmetric with WatchData.
func (m *Multiplexer) WatchChildren(path string, watcher Watcher, handler Handler) (watcherID, handlerID ID) {
	return m.watch(KindChildren, path, watcher, handler)
}

func (m *Multiplexer) watch(kind Kind, path string, watcher Watcher, handler Handler) (watcherID, handlerID ID) {
	key := registrationKey{kind: kind, path: path}

	var needWatch, needGet bool
	m.regMu.Lock()
	r := m.reg[key]
	if r == nil {
		r = &registration{}
		m.reg[key] = r
	}
	if watcher != nil {
		watcherID = ID(uuid.New())
		r.watchers = append(r.watchers, watcherEntry{id: watcherID, fn: watcher})
		needWatch = !r.watchArmed
		r.watchArmed = true
	}
	if handler != nil {
		handlerID = ID(uuid.New())
		r.handlers = append(r.handlers, handlerEntry{id: handlerID, fn: handler})
		needGet = !r.getOutstanding
		r.getOutstanding = true
	}
	m.regMu.Unlock()

	if needWatch || needGet {
		go m.issueGet(kind, path, needWatch)
	}
	return watcherID, handlerID
}

// Unregister removes the given watcher and/or handler IDs from path's
// registration for kind. It has no effect on the underlying server-side
// watch (which will still fire once); it only guarantees the removed
// callbacks are never invoked and become unreachable for collection.
func (m *Multiplexer) Unregister(path string, kind Kind, ids ...ID) {
	key := registrationKey{kind: kind, path: path}
	remove := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if id != zeroID {
			remove[id] = true
		}
	}
	if len(remove) == 0 {
		return
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	r := m.reg[key]
	if r == nil {
		return
	}
	r.watchers = filterWatchers(r.watchers, remove)
	r.handlers = filterHandlers(r.handlers, remove)
}

func filterWatchers(in []watcherEntry, remove map[ID]bool) []watcherEntry {
	out := in[:0]
	for _, e := range in {
		if !remove[e.id] {
			out = append(out, e)
		}
	}
	return out
}

func filterHandlers(in []handlerEntry, remove map[ID]bool) []handlerEntry {
	out := in[:0]
	for _, e := range in {
		if !remove[e.id] {
			out = append(out, e)
		}
	}
	return out
}

func (m *Multiplexer) currentConn() zkConn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

// issueGet performs the get (with or without a watch) that backs one
// (kind, path) registration. It always runs on its own goroutine: WM
// callbacks may be invoked re-entrantly from the zk client's dispatch
// goroutine, so nothing here may block the caller.
func (m *Multiplexer) issueGet(kind Kind, path string, withWatch bool) {
	conn := m.currentConn()
	if conn == nil {
		m.deferGet(kind, path, withWatch)
		return
	}

	var (
		result GetResult
		evCh   <-chan zk.Event
		err    error
	)
	switch kind {
	case KindData:
		if withWatch {
			result.Data, result.Stat, evCh, err = conn.GetW(path)
		} else {
			result.Data, result.Stat, err = conn.Get(path)
		}
	case KindChildren:
		if withWatch {
			result.Children, result.Stat, evCh, err = conn.ChildrenW(path)
		} else {
			result.Children, result.Stat, err = conn.Children(path)
		}
	}

	if isConnectionLoss(err) {
		m.logger.Debug("buffering get after connection loss",
			zap.String("path", path), zap.Stringer("kind", kind))
		m.deferGet(kind, path, withWatch)
		return
	}

	if withWatch && err == nil {
		go m.waitForFire(kind, path, evCh)
	}

	result.Err = err
	m.deliverGet(kind, path, result)
}

func isConnectionLoss(err error) bool {
	return err == zk.ErrConnectionClosed || err == zk.ErrNoServer
}

// deferGet buffers a (kind, path) get to be reissued once the connection
// reaches StateHasSession again — the CONNECTIONLOSS row of spec.md §4.1's
// state table.
func (m *Multiplexer) deferGet(kind Kind, path string, withWatch bool) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, pendingGet{kind: kind, path: path, withWatch: withWatch})
	m.pendingMu.Unlock()
}

func (m *Multiplexer) drainPending() {
	m.pendingMu.Lock()
	batch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	for _, p := range batch {
		go m.issueGet(p.kind, p.path, p.withWatch)
	}
}

func (m *Multiplexer) waitForFire(kind Kind, path string, ch <-chan zk.Event) {
	ev, ok := <-ch
	if !ok {
		return
	}
	if ev.Type == zk.EventSession {
		// Session-level events ride the same channel in some client
		// states; they are not node-change notifications.
		return
	}
	m.fireWatch(kind, path)
}

func (m *Multiplexer) fireWatch(kind Kind, path string) {
	key := registrationKey{kind: kind, path: path}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.regMu.Lock()
	r := m.reg[key]
	var watchers []watcherEntry
	if r != nil {
		watchers = r.watchers
		r.watchers = nil
		r.watchArmed = false
	}
	m.regMu.Unlock()

	for _, w := range watchers {
		w.fn(path)
	}
}

func (m *Multiplexer) deliverGet(kind Kind, path string, result GetResult) {
	key := registrationKey{kind: kind, path: path}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.regMu.Lock()
	r := m.reg[key]
	var handlers []handlerEntry
	if r != nil {
		handlers = r.handlers
		r.handlers = nil
		r.getOutstanding = false
	}
	m.regMu.Unlock()

	for _, h := range handlers {
		h.fn(path, result)
	}
}
