package zkmux

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// dnsRetryInterval is how long Connecting waits before re-resolving the
// server list when none of the configured hosts resolve.
const dnsRetryInterval = time.Second

// connectLoop owns the Initial/Connecting/Connected state machine from
// spec.md §4.1. It never returns except when Close has been called; any
// failure to reach the coordination service is logged and retried.
func (m *Multiplexer) connectLoop() {
	for {
		select {
		case <-m.closeCh:
			return
		default:
		}

		resolved := m.resolveServers()
		if len(resolved) == 0 {
			m.logger.Error("no zookeeper hosts resolved, retrying",
				zap.Duration("retry", dnsRetryInterval))
			if !m.sleepOrClosed(dnsRetryInterval) {
				return
			}
			continue
		}

		conn, events, err := m.dial(resolved, m.sessionTimeout)
		if err != nil {
			m.logger.Error("zookeeper connect failed, retrying", zap.Error(err))
			if !m.sleepOrClosed(dnsRetryInterval) {
				return
			}
			continue
		}

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()

		reconnect := m.runSession(events)
		conn.Close()
		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()

		if !reconnect {
			return
		}
	}
}

// runSession consumes session events for one underlying zk.Conn until the
// session expires or the channel closes. It returns true if the caller
// should establish a brand new connection (the conn it was given is no
// longer usable).
func (m *Multiplexer) runSession(events <-chan zk.Event) bool {
	for {
		select {
		case <-m.closeCh:
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			switch ev.State {
			case zk.StateHasSession:
				m.logger.Info("zookeeper session established")
				m.drainPending()
			case zk.StateConnected:
				m.logger.Debug("zookeeper connected")
			case zk.StateExpired:
				m.logger.Warn("zookeeper session expired, reconnecting")
				return true
			case zk.StateDisconnected:
				m.logger.Debug("zookeeper disconnected, buffering gets")
			default:
				// SESSION_EVENT-equivalent states (authenticating, etc.)
				// are not surfaced further; spec.md's state table says
				// "any -> SESSION_EVENT on a node watch -> ignore".
			}
		}
	}
}

func (m *Multiplexer) sleepOrClosed(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.closeCh:
		return false
	case <-t.C:
		return true
	}
}

// resolveServers resolves each configured host to its A/AAAA records,
// logging and skipping (not failing) on a per-host DNS error. Hosts that
// already carry a numeric IP are passed through unchanged.
func (m *Multiplexer) resolveServers() []string {
	var out []string
	for _, hostport := range m.servers {
		host, port := splitHostPort(hostport)
		if ip := net.ParseIP(host); ip != nil {
			out = append(out, net.JoinHostPort(host, port))
			continue
		}
		ips, err := net.LookupHost(host)
		if err != nil {
			m.logger.Error("unable to resolve zookeeper host", zap.String("host", host), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			out = append(out, net.JoinHostPort(ip, port))
		}
	}
	return out
}

const defaultClientPort = "2181"

func splitHostPort(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return hostport, defaultClientPort
}

// ParseServers splits a twitcher --zkservers argument
// ("host[:port][,host[:port]...]") into a slice suitable for Dial.
func ParseServers(spec string) []string {
	parts := strings.Split(spec, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FormatServer renders a host and numeric port back into "host:port".
func FormatServer(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
