package transport

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// tcpConn wraps a TCP connection as a transport Conn.
type tcpConn struct {
	net.Conn
}

func (tcpConn) Transport() string { return "tcp" }

// tcpListener adapts net.Listener, enabling keepalive on accept so dead
// peers are detected even between heartbeats.
type tcpListener struct {
	ln net.Listener
}

// ListenTCP starts a TCP listener on addr.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

// NewTCPListener wraps an existing listener. Used by tests with custom
// listeners (net.Pipe based or ephemeral ports).
func NewTCPListener(ln net.Listener) Listener {
	return &tcpListener{ln: ln}
}

func (l *tcpListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			slog.Warn("set keepalive failed", "error", err)
		}
		if err := tc.SetKeepAlivePeriod(30 * time.Second); err != nil {
			slog.Warn("set keepalive period failed", "error", err)
		}
	}
	return tcpConn{Conn: conn}, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// WrapConn exposes an arbitrary net.Conn as a transport Conn.
// Used by tests running over net.Pipe.
func WrapConn(c net.Conn) Conn {
	return tcpConn{Conn: c}
}
