package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/stagehub/internal/protocol"
	"github.com/udisondev/stagehub/internal/transport"
)

// ReasonDisplaced marks a session evicted by a duplicate login.
const ReasonDisplaced = "displaced by duplicate login"

// DisconnectFunc is how the manager reports a dead authenticated session
// to the routing layer, which forwards it to the owning stage's mailbox.
type DisconnectFunc func(accountID, sessionID, stageID int64, reason string)

// Manager maintains session_id -> Session and account_id -> session_id.
// Operations on the account index are atomic; an account maps to at most
// one session at a time, newer login wins.
type Manager struct {
	cfg    Config
	nextID atomic.Int64

	sessions sync.Map // session id -> *Session

	mu       sync.Mutex
	accounts map[int64]*Session

	onDisconnect DisconnectFunc
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = 3
	}
	return &Manager{
		cfg:      cfg,
		accounts: make(map[int64]*Session, 1024),
	}
}

// SetDisconnectFunc wires the routing layer's disconnect path. Must be
// called before serving traffic.
func (m *Manager) SetDisconnectFunc(fn DisconnectFunc) {
	m.onDisconnect = fn
}

// NewSession registers a session for an accepted connection and starts
// its writer and heartbeat watchdog.
func (m *Manager) NewSession(conn transport.Conn) *Session {
	enc := protocol.NewEncoder()
	enc.CompressThreshold = m.cfg.CompressThreshold

	s := &Session{
		id:               m.nextID.Add(1),
		conn:             conn,
		mgr:              m,
		enc:              enc,
		sendCh:           make(chan *protocol.Packet, m.cfg.SendQueueSize),
		closeCh:          make(chan struct{}),
		writerDone:       make(chan struct{}),
		writeTimeout:     m.cfg.WriteTimeout,
		heartbeatTimeout: m.cfg.HeartbeatTimeout,
		maxViolations:    m.cfg.MaxViolations,
	}
	s.TouchHeartbeat()

	m.sessions.Store(s.id, s)
	go s.writePump()
	go s.watchdog()

	slog.Debug("session opened", "session", s.id, "transport", conn.Transport(), "remote", conn.RemoteAddr())
	return s
}

// BindAccount atomically points the account index at s. If another
// session held the account, it is marked displaced and closed; its close
// does not emit a disconnect to the stage, so the actor quietly follows
// the new session. Returns the displaced session, if any.
func (m *Manager) BindAccount(accountID int64, s *Session) *Session {
	m.mu.Lock()
	old := m.accounts[accountID]
	m.accounts[accountID] = s
	m.mu.Unlock()

	if old == nil || old == s {
		return nil
	}

	old.displaced.Store(true)
	slog.Info("duplicate login, evicting older session",
		"account", accountID, "old_session", old.id, "new_session", s.id)
	old.Close(ReasonDisplaced)
	return old
}

// FindByAccount returns the session currently bound to the account.
func (m *Manager) FindByAccount(accountID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[accountID]
}

// Find returns the session with the given id, or nil.
func (m *Manager) Find(sessionID int64) *Session {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return v.(*Session)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool { n++; return true })
	return n
}

// release unregisters a closing session and, when it carried an
// authenticated account, reports the disconnect so it reaches the
// owning stage's mailbox in order with the session's earlier packets.
func (m *Manager) release(s *Session, reason string) {
	m.sessions.Delete(s.id)

	accountID := s.AccountID()
	if accountID != 0 {
		m.mu.Lock()
		if m.accounts[accountID] == s {
			delete(m.accounts, accountID)
		}
		m.mu.Unlock()
	}

	slog.Debug("session closed", "session", s.id, "account", accountID, "reason", reason)

	if accountID == 0 || s.Displaced() || m.onDisconnect == nil {
		return
	}
	m.onDisconnect(accountID, s.id, s.StageID(), reason)
}

// CloseAll force-closes every session. Used at the end of graceful
// shutdown after the drain deadline.
func (m *Manager) CloseAll(reason string) {
	m.sessions.Range(func(_, v any) bool {
		v.(*Session).Close(reason)
		return true
	})
}

// CleanStale closes sessions whose heartbeat is older than ttl. The
// per-session watchdog normally handles this; CleanStale is a safety net
// for tests and administrative sweeps.
func (m *Manager) CleanStale(ttl time.Duration) int {
	n := 0
	cutoff := time.Now().Add(-ttl).UnixNano()
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.lastHeartbeat.Load() < cutoff {
			s.Close("stale heartbeat")
			n++
		}
		return true
	})
	return n
}
