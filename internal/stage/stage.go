package stage

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/udisondev/stagehub/internal/protocol"
)

// Stage lifecycle states.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateClosing
	StateClosed
)

var (
	// ErrStageClosed is returned when posting to a closing or closed stage.
	ErrStageClosed = errors.New("stage closed")

	// ErrStageOverloaded is returned when a client packet hits the
	// mailbox high-watermark. The responsible session must be throttled
	// until the queue drains below the low-watermark.
	ErrStageOverloaded = errors.New("stage overloaded")
)

// Stage hosts one user stage instance and drives its mailbox. All user
// callbacks and all mutation of stage-owned state (actors, deferred
// queues, timer bookkeeping) happen on the mailbox worker.
type Stage struct {
	id   int64
	typ  string
	user UserStage

	mbox   *mailbox
	actors map[int64]*Actor

	state atomic.Int32

	reg *Registry
	ctx *Context

	// throttled implements backpressure hysteresis: set when the mailbox
	// crosses the high-watermark, cleared when it drains below low.
	throttled atomic.Bool
}

func newStage(reg *Registry, id int64, typ string, user UserStage) *Stage {
	s := &Stage{
		id:     id,
		typ:    typ,
		user:   user,
		actors: make(map[int64]*Actor),
		reg:    reg,
	}
	s.ctx = &Context{s: s}
	s.mbox = newMailbox(s.handle, reg.cfg.DrainBatch)
	return s
}

// ID returns the process-unique stage id.
func (s *Stage) ID() int64 { return s.id }

// Type returns the stage type key.
func (s *Stage) Type() string { return s.typ }

// State returns the lifecycle state.
func (s *Stage) State() State { return State(s.state.Load()) }

// MailboxLen returns the number of queued entries, for metrics and
// backpressure checks.
func (s *Stage) MailboxLen() int { return s.mbox.Len() }

// post enqueues a system entry. System entries are never throttled.
func (s *Stage) post(e entry) error {
	if s.State() >= StateClosing {
		return ErrStageClosed
	}
	if err := s.mbox.Post(e); err != nil {
		return ErrStageClosed
	}
	return nil
}

// PostClient enqueues a framed client packet for the given account.
// Subject to the overload watermarks.
func (s *Stage) PostClient(accountID int64, conn Conn, pkt *protocol.Packet) error {
	if s.State() >= StateClosing {
		return ErrStageClosed
	}
	if s.overloaded() {
		return ErrStageOverloaded
	}
	return s.post(clientEntry{accountID: accountID, conn: conn, pkt: pkt})
}

// PostJoin enqueues the join system packet produced by the auth handshake.
func (s *Stage) PostJoin(accountID int64, conn Conn, userInfo, authData []byte, replySeq uint16) error {
	return s.post(joinEntry{
		accountID: accountID,
		conn:      conn,
		userInfo:  userInfo,
		authData:  authData,
		replySeq:  replySeq,
	})
}

// PostDisconnect reports that the account's session died. sessionID
// guards against displacing a newer session's attachment.
func (s *Stage) PostDisconnect(accountID, sessionID int64, reason string) error {
	return s.post(disconnectEntry{accountID: accountID, sessionID: sessionID, reason: reason})
}

// PostLeave enqueues an explicit leave request.
func (s *Stage) PostLeave(accountID int64, reason LeaveReason, replySeq uint16) error {
	return s.post(leaveEntry{accountID: accountID, reason: reason, replySeq: replySeq})
}

// PostInterStage delivers a fire-and-forget packet from another stage.
func (s *Stage) PostInterStage(fromStageID int64, pkt *protocol.Packet) error {
	return s.post(interStageEntry{fromStageID: fromStageID, pkt: pkt})
}

// BelowLowWater reports whether a throttled session may resume reading.
func (s *Stage) BelowLowWater() bool {
	return s.mbox.Len() <= s.reg.cfg.MailboxLowWater
}

func (s *Stage) overloaded() bool {
	n := s.mbox.Len()
	if s.throttled.Load() {
		if n <= s.reg.cfg.MailboxLowWater {
			s.throttled.Store(false)
			return false
		}
		return true
	}
	if n >= s.reg.cfg.MailboxHighWater {
		s.throttled.Store(true)
		return true
	}
	return false
}

// handle routes one mailbox entry. Runs on the mailbox worker only.
func (s *Stage) handle(e entry) {
	switch e := e.(type) {
	case createEntry:
		s.handleCreate(e)
	case joinEntry:
		s.handleJoin(e)
	case clientEntry:
		s.handleClient(e)
	case disconnectEntry:
		s.handleDisconnect(e)
	case leaveEntry:
		s.handleLeave(e)
	case timerEntry:
		s.handleTimer(e)
	case contEntry:
		e.fn()
	case interStageEntry:
		s.handleInterStage(e)
	case closeEntry:
		s.handleClose(e)
	default:
		slog.Error("unknown mailbox entry", "stage", s.id, "kind", e.kind())
	}
}

// invoke traps panics and error returns at the runtime boundary so a
// user callback can never bring down the stage worker.
func (s *Stage) invoke(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "stage", s.id, "in", what, "panic", r)
		}
	}()
	fn()
}

func (s *Stage) handleCreate(e createEntry) {
	var err error
	s.invoke("OnCreate", func() { err = s.user.OnCreate(s.ctx, e.init) })
	if err != nil {
		slog.Error("stage create failed", "stage", s.id, "type", s.typ, "error", err)
		s.state.Store(int32(StateClosed))
		s.mbox.CloseEnqueue()
		s.reg.remove(s.id)
		return
	}
	s.state.Store(int32(StateActive))
	s.invoke("OnPostCreate", func() { s.user.OnPostCreate(s.ctx) })
	slog.Debug("stage active", "stage", s.id, "type", s.typ)
}

func (s *Stage) handleJoin(e joinEntry) {
	actor, exists := s.actors[e.accountID]

	if exists {
		// Reconnect (or duplicate-login re-attach): the actor record
		// persists; OnJoinRoom and Actor.OnCreate do not fire again.
		if actor.reconnectTimerID != 0 {
			s.reg.timers.Cancel(actor.reconnectTimerID)
			actor.reconnectTimerID = 0
		}
		actor.conn = e.conn
		actor.connected = true
		if actor.user != nil {
			s.invoke("Actor.OnAuthenticate", func() { actor.user.OnAuthenticate(e.authData) })
		}
		s.invoke("OnActorConnectionChanged", func() {
			s.user.OnActorConnectionChanged(s.ctx, actor, true, "")
		})
		s.sendJoinRes(e, true)
		s.notifyPresence(actor, protocol.MsgPlayerConnectedNotify)
		return
	}

	actor = &Actor{
		accountID: e.accountID,
		stage:     s,
		conn:      e.conn,
		connected: true,
		joinedAt:  time.Now(),
	}
	if f, ok := s.user.(ActorFactory); ok {
		actor.user = f.NewActor(e.accountID)
	}
	if actor.user != nil {
		s.invoke("Actor.OnCreate", func() { actor.user.OnCreate() })
	}
	s.actors[e.accountID] = actor

	var joinErr error
	s.invoke("OnJoinRoom", func() { joinErr = s.user.OnJoinRoom(s.ctx, actor, e.userInfo) })
	if joinErr != nil {
		delete(s.actors, e.accountID)
		if actor.user != nil {
			s.invoke("Actor.OnDestroy", func() { actor.user.OnDestroy() })
		}
		slog.Info("join rejected", "stage", s.id, "account", e.accountID, "error", joinErr)
		if e.replySeq != 0 {
			_ = e.conn.SendPacket(&protocol.Packet{
				MsgID:     protocol.MsgJoinRoomRes,
				MsgSeq:    e.replySeq,
				StageID:   s.id,
				ErrorCode: protocol.CodeStageFull,
				Reply:     true,
			})
		}
		go e.conn.Close("join rejected")
		return
	}

	if actor.user != nil {
		s.invoke("Actor.OnAuthenticate", func() { actor.user.OnAuthenticate(e.authData) })
	}
	s.invoke("OnPostJoinRoom", func() { s.user.OnPostJoinRoom(s.ctx, actor) })
	s.invoke("OnActorConnectionChanged", func() {
		s.user.OnActorConnectionChanged(s.ctx, actor, true, "")
	})
	s.sendJoinRes(e, false)
	s.notifyPresence(actor, protocol.MsgPlayerConnectedNotify)
	slog.Debug("actor joined", "stage", s.id, "account", e.accountID)
}

// sendJoinRes answers the ConnectWithToken request. Payload is one byte:
// 1 when the join re-attached an existing actor.
func (s *Stage) sendJoinRes(e joinEntry, reconnected bool) {
	if e.replySeq == 0 {
		return
	}
	payload := []byte{0}
	if reconnected {
		payload[0] = 1
	}
	_ = e.conn.SendPacket(&protocol.Packet{
		MsgID:   protocol.MsgJoinRoomRes,
		MsgSeq:  e.replySeq,
		StageID: s.id,
		Reply:   true,
		Payload: payload,
	})
}

// notifyPresence tells every other connected actor that subject came or
// went. Payload is the subject's account id, big-endian.
func (s *Stage) notifyPresence(subject *Actor, msgID string) {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(subject.accountID))
	for _, a := range s.actors {
		if a == subject || !a.connected {
			continue
		}
		_ = a.conn.SendPacket(&protocol.Packet{
			MsgID:   msgID,
			StageID: s.id,
			Payload: payload[:],
		})
	}
}

func (s *Stage) handleClient(e clientEntry) {
	actor, ok := s.actors[e.accountID]
	if !ok {
		if e.pkt.IsRequest() {
			_ = e.conn.SendPacket(protocol.NewReply(e.pkt, e.pkt.MsgID, protocol.CodeActorNotFound, nil))
		} else {
			slog.Debug("packet for unknown actor dropped", "stage", s.id, "account", e.accountID, "msg_id", e.pkt.MsgID)
		}
		e.pkt.Release()
		return
	}

	if actor.busy {
		// Per-actor FIFO: the previous packet's handler is still in
		// flight (suspended on async work). Park this one.
		actor.deferred = append(actor.deferred, e)
		return
	}

	s.dispatch(actor, e)
}

func (s *Stage) dispatch(actor *Actor, e clientEntry) {
	actor.busy = true
	call := &Call{stage: s, actor: actor, pkt: e.pkt, conn: e.conn}

	s.invokeCall(call, "OnDispatch "+e.pkt.MsgID, func() {
		s.user.OnDispatch(s.ctx, actor, call)
	})

	if call.pending == 0 {
		s.finishCall(call)
	}
}

// invokeCall traps panics like invoke, but answers an open reply scope
// with InternalError first.
func (s *Stage) invokeCall(call *Call, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "stage", s.id, "in", what, "panic", r)
			if !call.replied && call.conn != nil && call.pkt.IsRequest() {
				_ = call.ReplyError(protocol.CodeInternalError)
			}
		}
	}()
	fn()
}

// finishCall closes the reply scope, releases the packet, clears the
// actor's busy flag and drains its deferred queue in arrival order.
func (s *Stage) finishCall(call *Call) {
	if call.finished {
		return
	}
	call.finished = true

	if !call.replied && call.conn != nil && call.pkt.IsRequest() {
		// Implicit empty success reply for requests the handler left
		// unanswered.
		_ = call.conn.SendPacket(protocol.NewReply(call.pkt, call.pkt.MsgID, protocol.CodeSuccess, nil))
	}
	call.pkt.Release()

	actor := call.actor
	if actor == nil {
		return
	}
	actor.busy = false

	// Run deferred packets until one suspends again or the queue empties.
	for !actor.busy && len(actor.deferred) > 0 {
		next := actor.deferred[0]
		actor.deferred = actor.deferred[1:]
		s.dispatch(actor, next)
	}
}

func (s *Stage) handleDisconnect(e disconnectEntry) {
	actor, ok := s.actors[e.accountID]
	if !ok || actor.conn == nil || actor.conn.SessionID() != e.sessionID {
		// Stale: the account already re-attached on a newer session.
		return
	}

	actor.conn = nil
	actor.connected = false
	s.invoke("OnActorConnectionChanged", func() {
		s.user.OnActorConnectionChanged(s.ctx, actor, false, e.reason)
	})
	s.notifyPresence(actor, protocol.MsgPlayerDisconnectedNotify)

	accountID := e.accountID
	actor.reconnectTimerID = s.reg.timers.AddOnce(s, s.reg.cfg.ReconnectTimeout, func() {
		a, ok := s.actors[accountID]
		if !ok || a.connected {
			return
		}
		a.reconnectTimerID = 0
		s.removeActor(a, LeaveTimeout)
	})
	slog.Debug("actor disconnected", "stage", s.id, "account", e.accountID, "reason", e.reason)
}

func (s *Stage) handleLeave(e leaveEntry) {
	actor, ok := s.actors[e.accountID]
	if !ok {
		return
	}
	if e.replySeq != 0 && actor.conn != nil {
		_ = actor.conn.SendPacket(&protocol.Packet{
			MsgID:   protocol.MsgLeaveRoomRes,
			MsgSeq:  e.replySeq,
			StageID: s.id,
			Reply:   true,
		})
	}
	s.removeActor(actor, e.reason)
}

// removeActor runs the destruction sequence: OnLeaveRoom, Actor.OnDestroy,
// timer cleanup, registry removal, deferred packet release.
func (s *Stage) removeActor(actor *Actor, reason LeaveReason) {
	s.invoke("OnLeaveRoom", func() { s.user.OnLeaveRoom(s.ctx, actor, reason) })
	if actor.user != nil {
		s.invoke("Actor.OnDestroy", func() { actor.user.OnDestroy() })
	}
	if actor.reconnectTimerID != 0 {
		s.reg.timers.Cancel(actor.reconnectTimerID)
		actor.reconnectTimerID = 0
	}
	for _, d := range actor.deferred {
		d.pkt.Release()
	}
	actor.deferred = nil
	delete(s.actors, actor.accountID)

	if actor.conn != nil {
		if reason == LeaveKick {
			_ = actor.conn.SendPacket(&protocol.Packet{
				MsgID:   protocol.MsgKickNotification,
				StageID: s.id,
			})
		}
		// Session.Close waits for its writer to flush, up to a second
		// per dead peer; that wait must not stall the mailbox worker.
		conn := actor.conn
		go conn.Close("left stage: " + reason.String())
		actor.conn = nil
	}
	actor.connected = false
	s.notifyPresence(actor, protocol.MsgPlayerDisconnectedNotify)
	slog.Debug("actor removed", "stage", s.id, "account", actor.accountID, "reason", reason)
}

func (s *Stage) handleTimer(e timerEntry) {
	rec := e.rec
	n := rec.pendingTicks.Swap(0)
	if n == 0 || rec.cancelled.Load() {
		return
	}
	s.invoke("timer callback", func() { rec.cb(int(n - 1)) })
}

func (s *Stage) handleInterStage(e interStageEntry) {
	call := &Call{stage: s, pkt: e.pkt}
	if recv, ok := s.user.(InterStageReceiver); ok {
		s.invokeCall(call, "OnInterStage "+e.pkt.MsgID, func() {
			recv.OnInterStage(s.ctx, e.fromStageID, call)
		})
	} else {
		s.invokeCall(call, "OnDispatch(interstage) "+e.pkt.MsgID, func() {
			s.user.OnDispatch(s.ctx, nil, call)
		})
	}
	if call.pending == 0 {
		s.finishCall(call)
	}
}

// handleClose drains and rejects further enqueues, destroys all actors,
// cancels timers and removes the stage from the registry.
func (s *Stage) handleClose(e closeEntry) {
	if s.State() >= StateClosing {
		if e.done != nil {
			close(e.done)
		}
		return
	}
	s.state.Store(int32(StateClosing))
	s.mbox.CloseEnqueue()

	// Drain what is already queued, waiting out producers caught mid-push.
	// Client packets are rejected with StageClosed; async continuations
	// still run so in-flight calls settle; the rest is dropped.
	s.mbox.drain(func(qe entry) {
		switch qe := qe.(type) {
		case clientEntry:
			if qe.pkt.IsRequest() {
				_ = qe.conn.SendPacket(protocol.NewReply(qe.pkt, qe.pkt.MsgID, protocol.CodeStageClosed, nil))
			}
			qe.pkt.Release()
		case joinEntry:
			if qe.replySeq != 0 {
				_ = qe.conn.SendPacket(&protocol.Packet{
					MsgID:     protocol.MsgJoinRoomRes,
					MsgSeq:    qe.replySeq,
					StageID:   s.id,
					ErrorCode: protocol.CodeStageClosed,
					Reply:     true,
				})
			}
			go qe.conn.Close("stage closed")
		case contEntry:
			qe.fn()
		case interStageEntry:
			qe.pkt.Release()
		}
	})

	for _, actor := range s.actors {
		s.removeActor(actor, LeaveStageClosed)
	}

	s.reg.timers.CancelStage(s)
	s.invoke("OnDestroy", func() { s.user.OnDestroy(s.ctx) })
	s.state.Store(int32(StateClosed))
	s.reg.remove(s.id)
	slog.Info("stage closed", "stage", s.id, "type", s.typ)

	if e.done != nil {
		close(e.done)
	}
}
