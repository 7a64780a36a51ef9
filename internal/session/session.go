// Package session owns live client connections: the bounded outbound
// queue with its writer goroutine, heartbeat tracking, and the
// account index with the duplicate-login policy.
package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/stagehub/internal/protocol"
	"github.com/udisondev/stagehub/internal/transport"
)

// Default queue / timeout constants. Overridden by config values.
const (
	defaultSendQueueSize    = 1024
	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
)

// Config tunes per-session behavior.
type Config struct {
	SendQueueSize     int
	WriteTimeout      time.Duration
	HeartbeatTimeout  time.Duration
	CompressThreshold int
	MaxViolations     int
}

// Session is one live transport connection. Created on accept, destroyed
// on close or heartbeat timeout. Destroying a session never destroys the
// actor bound to its account.
type Session struct {
	id   int64
	conn transport.Conn
	mgr  *Manager
	enc  *protocol.Encoder

	// atomic поля для lock-free reads в hot path
	accountID     atomic.Int64 // 0 until authenticated
	stageID       atomic.Int64
	authenticated atomic.Bool
	displaced     atomic.Bool // evicted by a duplicate login
	lastHeartbeat atomic.Int64 // unix nanos
	violations    atomic.Int32

	sendCh     chan *protocol.Packet
	closeCh    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	writeTimeout     time.Duration
	heartbeatTimeout time.Duration
	maxViolations    int
}

// ID returns the process-unique session id.
func (s *Session) ID() int64 { return s.id }

// SessionID implements stage.Conn.
func (s *Session) SessionID() int64 { return s.id }

// Transport returns "tcp" or "ws".
func (s *Session) Transport() string { return s.conn.Transport() }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// AccountID returns the authenticated account, 0 before auth.
func (s *Session) AccountID() int64 { return s.accountID.Load() }

// StageID returns the stage this session is attached to, 0 before auth.
func (s *Session) StageID() int64 { return s.stageID.Load() }

// Authenticated reports whether the token handshake completed.
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// Displaced reports whether a duplicate login evicted this session.
func (s *Session) Displaced() bool { return s.displaced.Load() }

// Bind records the account and stage after a successful handshake.
func (s *Session) Bind(accountID, stageID int64) {
	s.accountID.Store(accountID)
	s.stageID.Store(stageID)
	s.authenticated.Store(true)
}

// TouchHeartbeat records client liveness.
func (s *Session) TouchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// Violation bumps the protocol-violation counter and reports whether the
// session exceeded its allowance and must be closed.
func (s *Session) Violation(what string) bool {
	n := s.violations.Add(1)
	slog.Warn("protocol violation", "session", s.id, "remote", s.conn.RemoteAddr(), "what", what, "count", n)
	return int(n) >= s.maxViolations
}

// SendPacket queues an outbound packet, never blocking. Overflow policy:
// drop the oldest queued packet for normal traffic; losing a reply is a
// protocol fatal and closes the session.
func (s *Session) SendPacket(p *protocol.Packet) error {
	select {
	case <-s.closeCh:
		return fmt.Errorf("session %d closed", s.id)
	default:
	}

	select {
	case s.sendCh <- p:
		return nil
	default:
	}

	if p.Reply && p.MsgSeq != 0 {
		s.Close("send queue overflow on reply")
		return fmt.Errorf("session %d: send queue overflow on reply", s.id)
	}

	// DropOldest: evict one queued packet, then retry once.
	select {
	case old := <-s.sendCh:
		old.Release()
		slog.Debug("send queue full, dropped oldest", "session", s.id)
	default:
	}
	select {
	case s.sendCh <- p:
		return nil
	default:
		p.Release()
		return fmt.Errorf("session %d: send queue full", s.id)
	}
}

// writePump is the session's dedicated writer goroutine. It drains the
// queue, encodes everything queued into one buffer and writes it with a
// single syscall. On close it performs a final best-effort flush so
// farewell packets (LeaveRoomRes, KickNotification) still reach the peer.
func (s *Session) writePump() {
	defer close(s.writerDone)
	buf := make([]byte, 0, 4096)

	flush := func(first *protocol.Packet) bool {
		buf = buf[:0]
		var err error
		buf, err = s.enc.Encode(buf, first)
		first.Release()
		if err != nil {
			slog.Warn("encode failed", "session", s.id, "msg_id", first.MsgID, "error", err)
			return true
		}

		// Batch whatever else is already queued.
		for queued := len(s.sendCh); queued > 0; queued-- {
			p := <-s.sendCh
			buf, err = s.enc.Encode(buf, p)
			p.Release()
			if err != nil {
				slog.Warn("encode failed", "session", s.id, "msg_id", p.MsgID, "error", err)
				return true
			}
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return false
		}
		if _, err := s.conn.Write(buf); err != nil {
			slog.Debug("write failed", "session", s.id, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case p := <-s.sendCh:
			if !flush(p) {
				// Close waits on writerDone, so it must run elsewhere.
				go s.Close("write error")
				return
			}
		case <-s.closeCh:
			// Final flush of whatever is still queued.
			select {
			case p := <-s.sendCh:
				_ = flush(p)
			default:
			}
			return
		}
	}
}

// watchdog closes the session when the client stops heartbeating.
func (s *Session) watchdog() {
	interval := s.heartbeatTimeout / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastHeartbeat.Load())
			if time.Since(last) > s.heartbeatTimeout {
				slog.Info("heartbeat timeout", "session", s.id, "remote", s.conn.RemoteAddr())
				s.Close("heartbeat timeout")
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Close tears the session down once: stops the pumps, closes the socket
// and notifies the manager, which emits the ActorDisconnect to the
// owning stage. Safe to call from any goroutine, any number of times.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closeCh)

		// Give the writer a moment to flush farewell packets; a peer
		// that stopped reading must not stall the teardown.
		select {
		case <-s.writerDone:
		case <-time.After(time.Second):
		}
		_ = s.conn.Close()

		// Drain and release whatever the writer never sent.
		for {
			select {
			case p := <-s.sendCh:
				p.Release()
			default:
				s.mgr.release(s, reason)
				return
			}
		}
	})
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.closeCh }
