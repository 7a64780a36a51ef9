package stage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/udisondev/stagehub/internal/protocol"
)

// ErrNoReplyScope is returned by Reply when the call has no session to
// answer (fire-and-forget packets and inter-stage packets).
var ErrNoReplyScope = errors.New("no reply scope")

// Call is the per-entry dispatch context handed to OnDispatch. It carries
// the packet, the reply scope bound to (session, msg_seq) and the async
// escape hatch. Because handlers can suspend via Async, the reply scope is
// an explicit object rather than anything goroutine-local; it stays valid
// across the suspension until the continuation completes.
type Call struct {
	stage *Stage
	actor *Actor // nil for inter-stage packets
	pkt   *protocol.Packet
	conn  Conn // nil when there is nobody to reply to

	replied  bool
	pending  int // outstanding Async continuations
	finished bool
}

// Packet returns the dispatched packet. Borrowed: valid until the call
// finishes.
func (c *Call) Packet() *protocol.Packet { return c.pkt }

// MsgID is shorthand for Packet().MsgID.
func (c *Call) MsgID() string { return c.pkt.MsgID }

// Payload is shorthand for Packet().Payload.
func (c *Call) Payload() []byte { return c.pkt.Payload }

// IsRequest reports whether the sender expects a reply.
func (c *Call) IsRequest() bool { return c.pkt.IsRequest() }

// Reply sends a success reply carrying the request's msg_seq. At most one
// explicit reply per call; a request with no explicit reply gets an empty
// success reply when the call finishes.
func (c *Call) Reply(msgID string, payload []byte) error {
	return c.reply(msgID, protocol.CodeSuccess, payload)
}

// ReplyError sends an error reply with the given protocol code.
func (c *Call) ReplyError(code uint16) error {
	return c.reply(c.pkt.MsgID, code, nil)
}

func (c *Call) reply(msgID string, code uint16, payload []byte) error {
	if c.conn == nil || !c.pkt.IsRequest() {
		return ErrNoReplyScope
	}
	if c.replied {
		return fmt.Errorf("already replied to seq %d", c.pkt.MsgSeq)
	}
	c.replied = true
	return c.conn.SendPacket(protocol.NewReply(c.pkt, msgID, code, payload))
}

// Async runs pre on the blocking-work pool and re-enters the stage worker
// with post once pre completes. The actor stays busy and the reply scope
// stays open until every outstanding continuation has run, preserving
// per-actor FIFO across the suspension. post runs under the stage's
// serialization guarantee; pre must not touch stage state.
func (c *Call) Async(pre func() (any, error), post func(result any, err error)) {
	if c.finished {
		slog.Error("Async called on finished call", "stage", c.stage.ID(), "msg_id", c.pkt.MsgID)
		return
	}
	c.pending++

	s := c.stage
	submitErr := s.reg.async.Submit(func() {
		result, err := pre()
		if postErr := s.post(contEntry{fn: func() {
			if post != nil {
				s.invoke("async post "+c.pkt.MsgID, func() { post(result, err) })
			}
			c.pending--
			if c.pending == 0 {
				s.finishCall(c)
			}
		}}); postErr != nil {
			slog.Warn("async continuation dropped, stage closed", "stage", s.ID(), "msg_id", c.pkt.MsgID)
		}
	})
	if submitErr != nil {
		// Pool stopped during shutdown: settle the call inline.
		c.pending--
		slog.Warn("async submit failed", "stage", s.ID(), "error", submitErr)
	}
}
