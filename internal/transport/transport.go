// Package transport provides the byte-stream edge of the server: TCP and
// WebSocket listeners that yield Conns carrying the framed protocol. The
// core never opens sockets itself; it consumes Conns from a Listener.
package transport

import (
	"net"
	"time"
)

// Conn is one client byte stream, transport-agnostic.
type Conn interface {
	// Read fills p with the next chunk of stream bytes.
	Read(p []byte) (int, error)

	// Write sends p. The framing above guarantees p holds whole frames.
	Write(p []byte) (int, error)

	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr

	// Transport names the flavor: "tcp" or "ws".
	Transport() string
}

// Listener accepts Conns.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}
