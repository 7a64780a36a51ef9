package stage

import (
	"log/slog"
	"time"

	"github.com/udisondev/stagehub/internal/protocol"
)

// Context is the stage-side API handed to every user callback. It is only
// valid inside callbacks (and async continuations), i.e. while the caller
// holds the stage's serialization guarantee.
type Context struct {
	s *Stage
}

// StageID returns the hosting stage's id.
func (c *Context) StageID() int64 { return c.s.id }

// StageType returns the hosting stage's type key.
func (c *Context) StageType() string { return c.s.typ }

// ActorCount returns the number of actors, connected or not.
func (c *Context) ActorCount() int { return len(c.s.actors) }

// FindActor returns the actor for the account, or nil.
func (c *Context) FindActor(accountID int64) *Actor {
	return c.s.actors[accountID]
}

// ForEachActor iterates all actors. Return false to stop.
func (c *Context) ForEachActor(fn func(*Actor) bool) {
	for _, a := range c.s.actors {
		if !fn(a) {
			return
		}
	}
}

// Broadcast fans p out to every connected actor passing filter (nil
// filter = all). Runs under the stage's serialization guarantee, so the
// recipient set is well-defined. Returns the number of sessions the
// packet was queued to.
//
// Each session receives its own clone: a queued packet is released by
// its session's writer, so one shared instance would be released once
// per recipient.
func (c *Context) Broadcast(p *protocol.Packet, filter func(*Actor) bool) int {
	if p.StageID == 0 {
		p.StageID = c.s.id
	}
	sent := 0
	for _, a := range c.s.actors {
		if !a.connected {
			continue
		}
		if filter != nil && !filter(a) {
			continue
		}
		if err := a.conn.SendPacket(p.Clone()); err != nil {
			slog.Warn("broadcast send failed", "stage", c.s.id, "account", a.accountID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendToStage delivers p to another stage's mailbox, fire-and-forget.
// Unknown targets are dropped and logged; there is no reply channel, so
// cross-stage requests are expressed as two one-way messages.
func (c *Context) SendToStage(targetID int64, p *protocol.Packet) error {
	target := c.s.reg.FindStage(targetID)
	if target == nil {
		slog.Debug("inter-stage send to unknown stage dropped", "from", c.s.id, "to", targetID, "msg_id", p.MsgID)
		return nil
	}
	if err := target.PostInterStage(c.s.id, p); err != nil {
		slog.Debug("inter-stage send to closing stage dropped", "from", c.s.id, "to", targetID, "msg_id", p.MsgID)
	}
	return nil
}

// Kick removes an actor immediately, sending KickNotification and closing
// its session.
func (c *Context) Kick(actor *Actor) {
	if c.s.actors[actor.accountID] != actor {
		return
	}
	c.s.removeActor(actor, LeaveKick)
}

// CloseStage requests cooperative destruction of this stage. The close
// travels through the mailbox; the current handler finishes normally.
func (c *Context) CloseStage() {
	go func() {
		if err := c.s.reg.DestroyStage(c.s.id); err != nil {
			slog.Debug("close stage", "stage", c.s.id, "error", err)
		}
	}()
}

// AddRepeatTimer schedules cb every period. cb receives the count of
// coalesced missed ticks (0 in the common case).
func (c *Context) AddRepeatTimer(initial, period time.Duration, cb func(missedTicks int)) int64 {
	return c.s.reg.timers.AddRepeat(c.s, initial, period, cb)
}

// AddCountTimer schedules cb at most count times.
func (c *Context) AddCountTimer(initial, period time.Duration, count int, cb func(missedTicks int)) int64 {
	return c.s.reg.timers.AddCount(c.s, initial, period, count, cb)
}

// AddOnceTimer schedules cb once after delay.
func (c *Context) AddOnceTimer(delay time.Duration, cb func()) int64 {
	return c.s.reg.timers.AddOnce(c.s, delay, cb)
}

// CancelTimer cancels a timer; ticks already queued are discarded.
func (c *Context) CancelTimer(id int64) { c.s.reg.timers.Cancel(id) }

// HasTimer reports whether the timer is still scheduled.
func (c *Context) HasTimer(id int64) bool { return c.s.reg.timers.Has(id) }

// AsyncBlock runs pre off the mailbox worker and post back on it. Unlike
// Call.Async it is not tied to a packet: no reply scope, no busy flag.
// Use it for background work started from lifecycle callbacks or timers.
func (c *Context) AsyncBlock(pre func() (any, error), post func(result any, err error)) {
	s := c.s
	err := s.reg.async.Submit(func() {
		result, err := pre()
		if postErr := s.post(contEntry{fn: func() {
			if post != nil {
				s.invoke("async block post", func() { post(result, err) })
			}
		}}); postErr != nil {
			slog.Debug("async block continuation dropped, stage closed", "stage", s.id)
		}
	})
	if err != nil {
		slog.Warn("async block submit failed", "stage", s.id, "error", err)
	}
}
