package mail

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Timeouts bounds every outbound mail connection.
type Timeouts struct {
	Connect  time.Duration
	Greeting time.Duration
	Socket   time.Duration
	Fetch    time.Duration
	List     time.Duration
}

// DefaultTimeouts returns the standard bounds for transient connections.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  30 * time.Second,
		Greeting: 15 * time.Second,
		Socket:   60 * time.Second,
		Fetch:    30 * time.Second,
		List:     45 * time.Second,
	}
}

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation. go-imap v2 and go-smtp have no built-in per-command timeouts,
// so a dead peer would otherwise block forever.
type deadlineConn struct {
	net.Conn
	readTimeout  atomic.Int64 // nanoseconds
	writeTimeout time.Duration
}

func newDeadlineConn(conn net.Conn, read, write time.Duration) *deadlineConn {
	c := &deadlineConn{Conn: conn, writeTimeout: write}
	c.readTimeout.Store(int64(read))
	return c
}

// setReadTimeout swaps the per-read deadline, e.g. after the greeting phase.
func (c *deadlineConn) setReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if d := time.Duration(c.readTimeout.Load()); d > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// dial opens a TCP or implicit-TLS connection per the server's connection
// mode. The greeting read timeout applies until the caller switches to the
// steady-state socket timeout.
func dial(settings ServerSettings, t Timeouts) (*deadlineConn, error) {
	addr := net.JoinHostPort(settings.Host, fmt.Sprintf("%d", settings.Port))
	dialer := &net.Dialer{Timeout: t.Connect}

	var raw net.Conn
	var err error
	switch settings.Connection {
	case ConnectionTLS:
		raw, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: settings.Host})
	case ConnectionSTARTTLS:
		raw, err = dialer.Dial("tcp", addr)
	default:
		return nil, fmt.Errorf("unsupported connection mode: %s", settings.Connection)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return newDeadlineConn(raw, t.Greeting, t.Socket), nil
}
