// Package zktest drives a real ZooKeeper server process for integration
// tests, adapted from the teacher package's server launcher: instead of
// resolving a cgo client's classpath, it locates a modern standalone
// ZooKeeper install (via $ZOOKEEPER_HOME or a zkServer.sh on PATH) and
// writes the same log4j/zoo.cfg pair into a scratch run directory.
package zktest

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Server represents a scratch ZooKeeper server instance: its data
// directory, configuration files, and (once Start is called) its running
// process.
type Server struct {
	runDir string
	zkHome string
	port   int
	cmd    *exec.Cmd
}

const log4jProperties = `
log4j.rootLogger=INFO, CONSOLE
log4j.appender.CONSOLE=org.apache.log4j.ConsoleAppender
log4j.appender.CONSOLE.Threshold=INFO
log4j.appender.CONSOLE.layout=org.apache.log4j.PatternLayout
log4j.appender.CONSOLE.layout.ConversionPattern=%d{ISO8601} - %-5p [%t:%C{1}@%L] - %m%n
`

// CreateServer creates runDir and writes a ZooKeeper configuration inside
// it listening on port. It does not start the server; call Start for
// that. zkHome, if empty, is resolved from $ZOOKEEPER_HOME.
func CreateServer(port int, runDir, zkHome string) (*Server, error) {
	if err := os.Mkdir(runDir, 0o777); err != nil {
		return nil, errors.Wrap(err, "zktest: creating run directory")
	}
	if zkHome == "" {
		zkHome = os.Getenv("ZOOKEEPER_HOME")
	}
	srv := &Server{runDir: runDir, zkHome: zkHome, port: port}
	if err := srv.writeLog4JConfig(); err != nil {
		return nil, err
	}
	if err := srv.writeZooKeeperConfig(); err != nil {
		return nil, err
	}
	return srv, nil
}

// Available reports whether a standalone ZooKeeper install can be found,
// either via zkHome or a zkServer.sh on PATH. Tests call this to decide
// whether to t.Skip rather than fail when no server is installed.
func Available(zkHome string) bool {
	_, err := resolveZkServerScript(zkHome)
	return err == nil
}

func resolveZkServerScript(zkHome string) (string, error) {
	if zkHome == "" {
		zkHome = os.Getenv("ZOOKEEPER_HOME")
	}
	if zkHome != "" {
		candidate := filepath.Join(zkHome, "bin", "zkServer.sh")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("zkServer.sh"); err == nil {
		return path, nil
	}
	return "", errors.New("zktest: no zkServer.sh found via ZOOKEEPER_HOME or PATH")
}

func (srv *Server) writeLog4JConfig() error {
	return os.WriteFile(srv.path("log4j.properties"), []byte(log4jProperties), 0o666)
}

func (srv *Server) writeZooKeeperConfig() error {
	contents := fmt.Sprintf(
		"tickTime=2000\n"+
			"dataDir=%s\n"+
			"clientPort=%d\n"+
			"maxClientCnxns=500\n",
		srv.runDir, srv.port)
	return os.WriteFile(srv.path("zoo.cfg"), []byte(contents), 0o666)
}

func (srv *Server) path(name string) string {
	return filepath.Join(srv.runDir, name)
}

// Addr returns the host:port clients should connect to.
func (srv *Server) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", srv.port)
}

// Start launches the ZooKeeper server in the foreground (zkServer.sh
// start-foreground), so its lifetime is tied to this *exec.Cmd rather
// than a detached daemon this package would then have to track by pid.
func (srv *Server) Start() error {
	script, err := resolveZkServerScript(srv.zkHome)
	if err != nil {
		return err
	}
	cmd := exec.Command(script, "start-foreground", srv.path("zoo.cfg"))
	cmd.Env = append(os.Environ(), "ZOOCFGDIR="+srv.runDir)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "zktest: starting zkServer.sh")
	}
	srv.cmd = cmd
	return srv.waitForPort(10 * time.Second)
}

func (srv *Server) waitForPort(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.Errorf("zktest: server never opened %s", srv.Addr())
}

// Destroy stops the server process and removes its run directory.
func (srv *Server) Destroy() error {
	if srv.cmd != nil && srv.cmd.Process != nil {
		srv.cmd.Process.Kill()
		srv.cmd.Wait()
	}
	return os.RemoveAll(srv.runDir)
}
