package stage

import (
	"time"

	"github.com/udisondev/stagehub/internal/protocol"
)

// Actor is a player seat inside a stage. It exists inside exactly one
// stage for its whole life and survives transient disconnects; only an
// explicit leave, the reconnect timeout, a kick or stage closure destroy
// it. All fields are mutated exclusively inside the stage's mailbox
// worker, so no locking is needed.
type Actor struct {
	accountID int64
	stage     *Stage

	conn      Conn // nil while disconnected
	connected bool

	user UserActor // nil unless the stage implements ActorFactory

	// busy is set while a packet handler for this actor is running or
	// has async work in flight. Further client packets are parked in
	// deferred to preserve per-actor FIFO across suspensions.
	busy     bool
	deferred []clientEntry

	reconnectTimerID int64
	joinedAt         time.Time
}

// AccountID returns the account occupying this seat.
func (a *Actor) AccountID() int64 { return a.accountID }

// Connected reports whether a live session is attached.
func (a *Actor) Connected() bool { return a.connected }

// SessionID returns the attached session's id, or 0 when disconnected.
func (a *Actor) SessionID() int64 {
	if a.conn == nil {
		return 0
	}
	return a.conn.SessionID()
}

// User returns the user actor object, nil if the stage has none.
func (a *Actor) User() UserActor { return a.user }

// JoinedAt returns when the actor first joined the stage.
func (a *Actor) JoinedAt() time.Time { return a.joinedAt }

// Send queues a packet to the actor's session. Silently dropped while
// the actor is disconnected.
func (a *Actor) Send(p *protocol.Packet) error {
	if a.conn == nil {
		return nil
	}
	return a.conn.SendPacket(p)
}
