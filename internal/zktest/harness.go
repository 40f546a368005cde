package zktest

import (
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
)

// Harness wraps a *testing.T and a Server, bringing up a real ZooKeeper
// instance for the duration of one test (or test suite via
// testing.M/TestMain), modernizing the teacher's SetUpSuite/TearDownSuite
// pattern to plain *testing.T with t.Cleanup instead of a gocheck suite.
//
// If no ZooKeeper install can be found, NewHarness calls t.Skip — callers
// do not need their own skip logic.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if !Available("") {
		t.Skip("zktest: no zkServer.sh found via $ZOOKEEPER_HOME or $PATH, skipping integration test")
	}

	dir := t.TempDir() + "/zk"
	port := 21812
	srv, err := CreateServer(port, dir, "")
	if err != nil {
		t.Fatalf("zktest: creating server environment: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("zktest: starting zookeeper server: %v", err)
	}
	t.Cleanup(func() { srv.Destroy() })

	return &Harness{t: t, srv: srv}
}

// Harness is a running ZooKeeper server plus bookkeeping for any client
// connections the test opens against it.
type Harness struct {
	t    *testing.T
	srv  *Server
	conn []*zk.Conn
}

// Addr returns the host:port a zk.Conn or zkmux.Multiplexer should dial.
func (h *Harness) Addr() string { return h.srv.Addr() }

// Dial opens a connection against the harness server and registers it for
// automatic closure at test cleanup, mirroring the teacher's s.handles
// bookkeeping in SetUpTest/TearDownTest.
func (h *Harness) Dial() (*zk.Conn, <-chan zk.Event, error) {
	conn, events, err := zk.Connect([]string{h.Addr()}, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	h.conn = append(h.conn, conn)
	h.t.Cleanup(conn.Close)
	return conn, events, nil
}
