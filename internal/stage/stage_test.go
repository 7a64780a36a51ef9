package stage

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/stagehub/internal/protocol"
)

// fakeConn records everything a stage sends to a session.
type fakeConn struct {
	sessionID int64

	mu     sync.Mutex
	sent   []*protocol.Packet
	closed bool
	reason string
}

func newFakeConn(sessionID int64) *fakeConn {
	return &fakeConn{sessionID: sessionID}
}

func (c *fakeConn) SessionID() int64 { return c.sessionID }

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
}

func (c *fakeConn) SendPacket(p *protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

func (c *fakeConn) packets() []*protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Packet(nil), c.sent...)
}

// byMsgID returns the first sent packet with the given msg_id, or nil.
func (c *fakeConn) byMsgID(id string) *protocol.Packet {
	for _, p := range c.packets() {
		if p.MsgID == id {
			return p
		}
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// eventLog is a threadsafe trace of callback invocations.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) contains(e string) bool {
	for _, got := range l.snapshot() {
		if got == e {
			return true
		}
	}
	return false
}

// hookStage is a UserStage whose behavior tests override per case.
type hookStage struct {
	BaseStage
	log *eventLog

	onCreate   func(*Context, []byte) error
	onJoin     func(*Context, *Actor, []byte) error
	onDispatch func(*Context, *Actor, *Call)
}

func (h *hookStage) OnCreate(ctx *Context, init []byte) error {
	h.log.add("create")
	if h.onCreate != nil {
		return h.onCreate(ctx, init)
	}
	return nil
}

func (h *hookStage) OnJoinRoom(ctx *Context, actor *Actor, userInfo []byte) error {
	h.log.add("join:%d", actor.AccountID())
	if h.onJoin != nil {
		return h.onJoin(ctx, actor, userInfo)
	}
	return nil
}

func (h *hookStage) OnActorConnectionChanged(_ *Context, actor *Actor, connected bool, _ string) {
	h.log.add("conn:%d:%v", actor.AccountID(), connected)
}

func (h *hookStage) OnLeaveRoom(_ *Context, actor *Actor, reason LeaveReason) {
	h.log.add("leave:%d:%s", actor.AccountID(), reason)
}

func (h *hookStage) OnDispatch(ctx *Context, actor *Actor, call *Call) {
	if actor != nil {
		h.log.add("dispatch:%d:%s", actor.AccountID(), call.MsgID())
	} else {
		h.log.add("dispatch:interstage:%s", call.MsgID())
	}
	if h.onDispatch != nil {
		h.onDispatch(ctx, actor, call)
	}
}

func (h *hookStage) OnDestroy(*Context) {
	h.log.add("destroy")
}

// testRuntime builds a started registry with one registered hook stage
// type and tears everything down with the test.
func testRuntime(t *testing.T, cfg Config) (*Registry, *hookStage) {
	t.Helper()
	hs := &hookStage{log: &eventLog{}}
	reg := NewRegistry(cfg)
	require.NoError(t, reg.RegisterType("test", func() UserStage { return hs }))
	reg.Start()
	t.Cleanup(func() {
		reg.timers.Stop()
		reg.async.Stop()
	})
	return reg, hs
}

func mustCreateStage(t *testing.T, reg *Registry) *Stage {
	t.Helper()
	s, err := reg.CreateStage("test", nil)
	require.NoError(t, err)
	waitUntil(t, time.Second, func() bool { return s.State() == StateActive })
	return s
}

func join(t *testing.T, s *Stage, accountID int64, conn *fakeConn) {
	t.Helper()
	require.NoError(t, s.PostJoin(accountID, conn, nil, nil, 1))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID(protocol.MsgJoinRoomRes) != nil })
}

func clientPacket(accountID int64, msgID string, seq uint16, payload []byte) *protocol.Packet {
	return &protocol.Packet{MsgID: msgID, MsgSeq: seq, Payload: payload}
}

func TestStage_CreateFailureClosesStage(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onCreate = func(*Context, []byte) error { return errors.New("boom") }

	s, err := reg.CreateStage("test", nil)
	require.NoError(t, err)
	waitUntil(t, time.Second, func() bool { return s.State() == StateClosed })
	assert.Nil(t, reg.FindStage(s.ID()))
}

func TestStage_JoinLifecycle(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	res := conn.byMsgID(protocol.MsgJoinRoomRes)
	require.NotNil(t, res)
	assert.True(t, res.Reply)
	assert.Equal(t, uint16(1), res.MsgSeq)
	assert.Equal(t, s.ID(), res.StageID)
	assert.Equal(t, []byte{0}, res.Payload, "fresh join must not be flagged reconnected")

	assert.True(t, hs.log.contains("join:100"))
	assert.True(t, hs.log.contains("conn:100:true"))
}

func TestStage_JoinRejected(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onJoin = func(*Context, *Actor, []byte) error { return errors.New("full") }
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	require.NoError(t, s.PostJoin(100, conn, nil, nil, 1))
	waitUntil(t, time.Second, func() bool { return conn.isClosed() })

	res := conn.byMsgID(protocol.MsgJoinRoomRes)
	require.NotNil(t, res)
	assert.Equal(t, protocol.CodeStageFull, res.ErrorCode)
	assert.False(t, hs.log.contains("conn:100:true"), "rejected join must not report connected")
}

func TestStage_RequestReplyAndImplicitReply(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(_ *Context, _ *Actor, call *Call) {
		if call.MsgID() == "Echo" {
			require.NoError(t, call.Reply("EchoReply", call.Payload()))
		}
		// "Silent" falls through without replying.
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Echo", 7, []byte("hi"))))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID("EchoReply") != nil })
	echo := conn.byMsgID("EchoReply")
	assert.Equal(t, uint16(7), echo.MsgSeq)
	assert.Equal(t, []byte("hi"), echo.Payload)

	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Silent", 8, nil)))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID("Silent") != nil })
	implicit := conn.byMsgID("Silent")
	assert.True(t, implicit.Reply)
	assert.Equal(t, uint16(8), implicit.MsgSeq)
	assert.Equal(t, protocol.CodeSuccess, implicit.ErrorCode)
	assert.Empty(t, implicit.Payload)
}

func TestStage_DoubleReplyRejected(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	errCh := make(chan error, 1)
	hs.onDispatch = func(_ *Context, _ *Actor, call *Call) {
		_ = call.Reply("First", nil)
		errCh <- call.Reply("Second", nil)
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)
	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Req", 5, nil)))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatch never ran")
	}
	assert.Nil(t, conn.byMsgID("Second"))
}

func TestStage_FireAndForgetHasNoReplyScope(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	errCh := make(chan error, 1)
	hs.onDispatch = func(_ *Context, _ *Actor, call *Call) {
		errCh <- call.Reply("Nope", nil)
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)
	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Notify", 0, nil)))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNoReplyScope)
	case <-time.After(time.Second):
		t.Fatal("dispatch never ran")
	}
}

func TestStage_UnknownActorRequest(t *testing.T) {
	reg, _ := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	require.NoError(t, s.PostClient(999, conn, clientPacket(999, "Echo", 3, nil)))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID("Echo") != nil })

	res := conn.byMsgID("Echo")
	assert.True(t, res.Reply)
	assert.Equal(t, protocol.CodeActorNotFound, res.ErrorCode)
}

func TestStage_HandlerPanicAnswersInternalError(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(_ *Context, _ *Actor, call *Call) {
		if call.MsgID() == "Crash" {
			panic("kaboom")
		}
		_ = call.Reply("OkReply", nil)
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Crash", 9, nil)))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID("Crash") != nil })
	assert.Equal(t, protocol.CodeInternalError, conn.byMsgID("Crash").ErrorCode)

	// The stage must survive the panic and keep serving.
	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Ok", 10, nil)))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID("OkReply") != nil })
}

func TestStage_AsyncPreservesPerActorFIFO(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())

	release := make(chan struct{})
	order := &eventLog{}
	hs.onDispatch = func(_ *Context, actor *Actor, call *Call) {
		switch call.MsgID() {
		case "Slow":
			call.Async(func() (any, error) {
				<-release
				return nil, nil
			}, func(any, error) {
				order.add("slow-done:%d", actor.AccountID())
			})
		default:
			order.add("%s:%d", call.MsgID(), actor.AccountID())
		}
	}
	s := mustCreateStage(t, reg)

	connA := newFakeConn(1)
	connB := newFakeConn(2)
	join(t, s, 1, connA)
	join(t, s, 2, connB)

	// Actor 1 suspends on Slow; its A2/A3 must wait for the continuation.
	require.NoError(t, s.PostClient(1, connA, clientPacket(1, "Slow", 0, nil)))
	require.NoError(t, s.PostClient(1, connA, clientPacket(1, "A2", 0, nil)))
	require.NoError(t, s.PostClient(1, connA, clientPacket(1, "A3", 0, nil)))
	// Actor 2 is independent and must proceed during the suspension.
	require.NoError(t, s.PostClient(2, connB, clientPacket(2, "B1", 0, nil)))

	waitUntil(t, time.Second, func() bool { return order.contains("B1:2") })
	assert.False(t, order.contains("A2:1"), "deferred packet ran before its predecessor finished")

	close(release)
	waitUntil(t, time.Second, func() bool { return order.contains("A3:1") })
	assert.Equal(t, []string{"slow-done:1", "A2:1", "A3:1"},
		filterByActor(order.snapshot(), ":1"))
}

func filterByActor(events []string, suffix string) []string {
	var out []string
	for _, e := range events {
		if len(e) >= len(suffix) && e[len(e)-len(suffix):] == suffix {
			out = append(out, e)
		}
	}
	return out
}

func TestStage_ReconnectKeepsActor(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn1 := newFakeConn(1)
	join(t, s, 100, conn1)

	require.NoError(t, s.PostDisconnect(100, 1, "io error"))
	waitUntil(t, time.Second, func() bool { return hs.log.contains("conn:100:false") })

	conn2 := newFakeConn(2)
	join(t, s, 100, conn2)

	res := conn2.byMsgID(protocol.MsgJoinRoomRes)
	require.NotNil(t, res)
	assert.Equal(t, []byte{1}, res.Payload, "re-attach must be flagged reconnected")

	// OnJoinRoom fires once per actor life, not per connection.
	joins := 0
	for _, e := range hs.log.snapshot() {
		if e == "join:100" {
			joins++
		}
	}
	assert.Equal(t, 1, joins)
}

func TestStage_ReconnectTimeoutDestroysActor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectTimeout = 30 * time.Millisecond
	reg, hs := testRuntime(t, cfg)
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)
	require.NoError(t, s.PostDisconnect(100, 1, "io error"))

	waitUntil(t, 2*time.Second, func() bool { return hs.log.contains("leave:100:timeout") })
	waitUntil(t, time.Second, func() bool {
		done := make(chan bool, 1)
		if s.post(contEntry{fn: func() { _, ok := s.actors[100]; done <- ok }}) != nil {
			return true
		}
		return !<-done
	})
}

func TestStage_StaleDisconnectIgnored(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn1 := newFakeConn(1)
	join(t, s, 100, conn1)

	// Duplicate login: session 2 re-attaches before session 1's
	// disconnect report lands.
	conn2 := newFakeConn(2)
	join(t, s, 100, conn2)

	require.NoError(t, s.PostDisconnect(100, 1, "displaced"))

	// Give the stale disconnect time to be (not) processed.
	probe := make(chan bool, 1)
	require.NoError(t, s.post(contEntry{fn: func() {
		a := s.actors[100]
		probe <- a != nil && a.connected
	}}))
	assert.True(t, <-probe, "stale disconnect must not detach the newer session")
	assert.False(t, hs.log.contains("conn:100:false"))
}

func TestStage_ExplicitLeave(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	require.NoError(t, s.PostLeave(100, LeaveRequested, 4))
	waitUntil(t, time.Second, func() bool { return conn.isClosed() })

	res := conn.byMsgID(protocol.MsgLeaveRoomRes)
	require.NotNil(t, res)
	assert.Equal(t, uint16(4), res.MsgSeq)
	assert.True(t, hs.log.contains("leave:100:requested"))
}

func TestStage_KickSendsNotification(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(ctx *Context, actor *Actor, call *Call) {
		if call.MsgID() == "KickMe" {
			ctx.Kick(actor)
		}
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)
	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "KickMe", 0, nil)))

	waitUntil(t, time.Second, func() bool { return conn.isClosed() })
	assert.NotNil(t, conn.byMsgID(protocol.MsgKickNotification))
	assert.True(t, hs.log.contains("leave:100:kick"))
}

func TestStage_BroadcastSkipsDisconnectedAndFiltered(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	sent := make(chan int, 1)
	hs.onDispatch = func(ctx *Context, _ *Actor, call *Call) {
		if call.MsgID() == "Shout" {
			sent <- ctx.Broadcast(&protocol.Packet{MsgID: "News", Payload: call.Payload()},
				func(a *Actor) bool { return a.AccountID() != 3 })
		}
	}
	s := mustCreateStage(t, reg)

	conn1 := newFakeConn(1)
	conn2 := newFakeConn(2)
	conn3 := newFakeConn(3)
	join(t, s, 1, conn1)
	join(t, s, 2, conn2)
	join(t, s, 3, conn3)
	require.NoError(t, s.PostDisconnect(2, 2, "gone"))
	waitUntil(t, time.Second, func() bool { return hs.log.contains("conn:2:false") })

	require.NoError(t, s.PostClient(1, conn1, clientPacket(1, "Shout", 0, []byte("x"))))

	select {
	case n := <-sent:
		assert.Equal(t, 1, n, "only actor 1 is connected and unfiltered")
	case <-time.After(time.Second):
		t.Fatal("broadcast never ran")
	}
	news := conn1.byMsgID("News")
	require.NotNil(t, news)
	assert.Equal(t, s.ID(), news.StageID)
	assert.Nil(t, conn2.byMsgID("News"))
	assert.Nil(t, conn3.byMsgID("News"))
}

func TestStage_PresenceNotifications(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn1 := newFakeConn(1)
	join(t, s, 1, conn1)

	conn2 := newFakeConn(2)
	join(t, s, 2, conn2)
	waitUntil(t, time.Second, func() bool { return conn1.byMsgID(protocol.MsgPlayerConnectedNotify) != nil })

	require.NoError(t, s.PostDisconnect(2, 2, "gone"))
	waitUntil(t, time.Second, func() bool { return hs.log.contains("conn:2:false") })
	waitUntil(t, time.Second, func() bool { return conn1.byMsgID(protocol.MsgPlayerDisconnectedNotify) != nil })
}

func TestStage_InterStageDelivery(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	got := make(chan string, 1)
	hs.onDispatch = func(ctx *Context, actor *Actor, call *Call) {
		switch {
		case call.MsgID() == "Relay":
			_ = ctx.SendToStage(call.Packet().StageID, &protocol.Packet{MsgID: "Relayed", Payload: call.Payload()})
		case actor == nil:
			got <- call.MsgID()
		}
	}
	s1 := mustCreateStage(t, reg)
	s2 := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s1, 100, conn)

	relay := clientPacket(100, "Relay", 0, []byte("payload"))
	relay.StageID = s2.ID()
	require.NoError(t, s1.PostClient(100, conn, relay))

	select {
	case id := <-got:
		assert.Equal(t, "Relayed", id)
	case <-time.After(time.Second):
		t.Fatal("inter-stage packet never arrived")
	}
}

func TestStage_OverloadBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MailboxHighWater = 4
	cfg.MailboxLowWater = 1
	reg, _ := testRuntime(t, cfg)
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	// Hold the worker so the queue builds up.
	block := make(chan struct{})
	require.NoError(t, s.post(contEntry{fn: func() { <-block }}))

	var overloaded bool
	for i := range 10 {
		err := s.PostClient(100, conn, clientPacket(100, "M", 0, nil))
		if errors.Is(err, ErrStageOverloaded) {
			overloaded = true
			break
		}
		require.NoError(t, err, "post %d", i)
	}
	assert.True(t, overloaded, "high-watermark never tripped")

	close(block)
	waitUntil(t, time.Second, func() bool { return s.BelowLowWater() })
	assert.NoError(t, s.PostClient(100, conn, clientPacket(100, "M", 0, nil)))
}

func TestStage_CloseDestroysActorsAndRejectsTraffic(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	require.NoError(t, reg.DestroyStage(s.ID()))

	assert.True(t, hs.log.contains("leave:100:stage_closed"))
	assert.True(t, hs.log.contains("destroy"))
	waitUntil(t, time.Second, func() bool { return conn.isClosed() })
	assert.Nil(t, reg.FindStage(s.ID()))
	assert.ErrorIs(t, s.PostClient(100, conn, clientPacket(100, "M", 0, nil)), ErrStageClosed)
	assert.ErrorIs(t, s.PostJoin(101, newFakeConn(9), nil, nil, 1), ErrStageClosed)
}

func TestStage_CloseStageFromHandler(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(ctx *Context, _ *Actor, call *Call) {
		if call.MsgID() == "Shutdown" {
			ctx.CloseStage()
		}
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)
	require.NoError(t, s.PostClient(100, conn, clientPacket(100, "Shutdown", 0, nil)))

	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateClosed })
	assert.True(t, hs.log.contains("destroy"))
}

func TestStage_ReplyOutlivesRequestBuffer(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(_ *Context, _ *Actor, call *Call) {
		if call.MsgID() == "Echo" {
			require.NoError(t, call.Reply("EchoReply", call.Payload()))
		}
	}
	s := mustCreateStage(t, reg)

	conn := newFakeConn(1)
	join(t, s, 100, conn)

	// Run the request through a pooled decoder so its payload lives in a
	// shared buffer that goes back to the pool when the call finishes.
	pool := protocol.NewBufferPool()
	frame, err := protocol.NewEncoder().EncodePacket(&protocol.Packet{MsgID: "Echo", MsgSeq: 7, Payload: []byte("hi")})
	require.NoError(t, err)
	pkts, err := protocol.NewDecoder(pool).Feed(frame)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	raw := pkts[0].Payload

	require.NoError(t, s.PostClient(100, conn, pkts[0]))
	waitUntil(t, time.Second, func() bool { return conn.byMsgID("EchoReply") != nil })

	// Scribble over the request buffer the way a pool reuse would.
	copy(raw, "XX")
	assert.Equal(t, []byte("hi"), conn.byMsgID("EchoReply").Payload,
		"queued reply must not share the request's pooled buffer")
}

func TestStage_BroadcastClonesPerRecipient(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(ctx *Context, _ *Actor, call *Call) {
		if call.MsgID() == "Shout" {
			ctx.Broadcast(&protocol.Packet{MsgID: "News", Payload: []byte("x")}, nil)
		}
	}
	s := mustCreateStage(t, reg)

	conn1 := newFakeConn(1)
	conn2 := newFakeConn(2)
	join(t, s, 1, conn1)
	join(t, s, 2, conn2)

	require.NoError(t, s.PostClient(1, conn1, clientPacket(1, "Shout", 0, nil)))
	waitUntil(t, time.Second, func() bool {
		return conn1.byMsgID("News") != nil && conn2.byMsgID("News") != nil
	})

	// Each session releases the packets it queued, so two sessions must
	// never hold the same instance.
	assert.NotSame(t, conn1.byMsgID("News"), conn2.byMsgID("News"))
}

// slowCloseConn parks Close until the test releases it, standing in for a
// session whose teardown waits on a dead peer.
type slowCloseConn struct {
	*fakeConn
	release chan struct{}
}

func (c *slowCloseConn) Close(reason string) {
	<-c.release
	c.fakeConn.Close(reason)
}

func TestStage_SlowSessionCloseDoesNotStallWorker(t *testing.T) {
	reg, hs := testRuntime(t, DefaultConfig())
	hs.onDispatch = func(ctx *Context, _ *Actor, call *Call) {
		switch call.MsgID() {
		case "KickOther":
			if a := ctx.FindActor(100); a != nil {
				ctx.Kick(a)
			}
		case "Echo":
			require.NoError(t, call.Reply("EchoReply", call.Payload()))
		}
	}
	s := mustCreateStage(t, reg)

	slow := &slowCloseConn{fakeConn: newFakeConn(1), release: make(chan struct{})}
	require.NoError(t, s.PostJoin(100, slow, nil, nil, 1))
	waitUntil(t, time.Second, func() bool { return slow.byMsgID(protocol.MsgJoinRoomRes) != nil })
	conn2 := newFakeConn(2)
	join(t, s, 200, conn2)

	require.NoError(t, s.PostClient(200, conn2, clientPacket(200, "KickOther", 5, nil)))
	require.NoError(t, s.PostClient(200, conn2, clientPacket(200, "Echo", 6, []byte("x"))))

	// The kicked session's close is still parked; the worker must keep
	// serving the other actor.
	waitUntil(t, time.Second, func() bool { return conn2.byMsgID("EchoReply") != nil })
	assert.False(t, slow.isClosed())
	assert.NotNil(t, slow.byMsgID(protocol.MsgKickNotification))

	close(slow.release)
	waitUntil(t, time.Second, func() bool { return slow.isClosed() })
}
