package stage

import (
	"net"

	"github.com/udisondev/stagehub/internal/protocol"
)

// Conn is what a stage needs from a live client session. Implemented by
// the session package; kept as an interface so the mailbox core has no
// transport dependency.
type Conn interface {
	SessionID() int64
	RemoteAddr() net.Addr

	// SendPacket queues an outbound packet on the session's bounded send
	// queue. Never blocks; overflow policy is handled by the session.
	SendPacket(p *protocol.Packet) error

	// Close tears the session down asynchronously.
	Close(reason string)
}

// entry is a mailbox message. One of the concrete types below.
type entry interface{ kind() string }

// createEntry is the first message of every stage.
type createEntry struct {
	init []byte
}

// joinEntry attaches an account's session to the stage, creating the
// actor on first join or re-attaching on reconnect.
type joinEntry struct {
	accountID int64
	conn      Conn
	userInfo  []byte // token user_info, for OnJoinRoom
	authData  []byte // connection auth blob, for OnAuthenticate
	replySeq  uint16 // seq of the ConnectWithToken request
}

// clientEntry is a framed packet from a connected actor.
type clientEntry struct {
	accountID int64
	conn      Conn
	pkt       *protocol.Packet
}

// disconnectEntry marks an actor's session as gone. sessionID guards
// against a stale disconnect arriving after the account already
// re-attached on a newer session.
type disconnectEntry struct {
	accountID int64
	sessionID int64
	reason    string
}

// leaveEntry removes an actor explicitly (request or kick).
type leaveEntry struct {
	accountID int64
	reason    LeaveReason
	replySeq  uint16
}

// timerEntry delivers coalesced timer ticks.
type timerEntry struct {
	rec *timerRecord
}

// contEntry re-enters the stage worker with an async-block continuation.
type contEntry struct {
	fn func()
}

// interStageEntry is a fire-and-forget packet from another stage.
type interStageEntry struct {
	fromStageID int64
	pkt         *protocol.Packet
}

// closeEntry shuts the stage down cooperatively.
type closeEntry struct {
	done chan struct{}
}

func (createEntry) kind() string     { return "create" }
func (joinEntry) kind() string       { return "join" }
func (clientEntry) kind() string     { return "client" }
func (disconnectEntry) kind() string { return "disconnect" }
func (leaveEntry) kind() string      { return "leave" }
func (timerEntry) kind() string      { return "timer" }
func (contEntry) kind() string       { return "continuation" }
func (interStageEntry) kind() string { return "interstage" }
func (closeEntry) kind() string      { return "close" }
