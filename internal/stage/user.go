// Package stage implements the per-room event loop: a lock-free mailbox
// with a lazy worker that guarantees FIFO, single-threaded execution of
// handlers per stage, plus the actor lifecycle, timers, broadcasts and
// inter-stage sends built on top of it.
package stage

// UserStage is the handler object a game implements per stage type.
// Every callback runs under the stage's serialization guarantee: no two
// callbacks of the same stage ever run concurrently, so stage-local state
// needs no locks.
type UserStage interface {
	// OnCreate runs as the first mailbox message of a new stage.
	// A non-nil error closes the stage before it activates.
	OnCreate(ctx *Context, init []byte) error

	// OnPostCreate runs right after a successful OnCreate.
	OnPostCreate(ctx *Context)

	// OnJoinRoom runs when an account joins for the first time. A non-nil
	// error rejects the join and destroys the freshly created actor.
	// Not called again on reconnect.
	OnJoinRoom(ctx *Context, actor *Actor, userInfo []byte) error

	// OnPostJoinRoom runs after a successful first join.
	OnPostJoinRoom(ctx *Context, actor *Actor)

	// OnActorConnectionChanged fires on connect, reconnect and disconnect.
	// The actor survives disconnects until the reconnect timeout elapses.
	OnActorConnectionChanged(ctx *Context, actor *Actor, connected bool, reason string)

	// OnLeaveRoom runs right before an actor is destroyed.
	OnLeaveRoom(ctx *Context, actor *Actor, reason LeaveReason)

	// OnDispatch handles a client packet. call carries the packet, the
	// reply scope and the async escape hatch. For inter-stage packets
	// actor is nil unless the stage implements InterStageReceiver.
	OnDispatch(ctx *Context, actor *Actor, call *Call)

	// OnDestroy runs as the final callback when the stage closes.
	OnDestroy(ctx *Context)
}

// UserActor is the optional per-seat handler object. Stages that want one
// implement ActorFactory.
type UserActor interface {
	// OnCreate runs once when the actor record is created on first join.
	OnCreate()

	// OnAuthenticate runs on every successful connect, including
	// reconnects. authData is the connection's auth blob, distinct from
	// the token user_info handed to OnJoinRoom.
	OnAuthenticate(authData []byte)

	// OnDestroy runs when the actor is removed from the stage.
	OnDestroy()
}

// ActorFactory is implemented by UserStages that attach a UserActor to
// every seat.
type ActorFactory interface {
	NewActor(accountID int64) UserActor
}

// InterStageReceiver is implemented by UserStages that want packets from
// other stages on a dedicated callback instead of OnDispatch.
type InterStageReceiver interface {
	OnInterStage(ctx *Context, fromStageID int64, call *Call)
}

// LeaveReason says why an actor left its stage.
type LeaveReason int

const (
	LeaveRequested LeaveReason = iota // explicit LeaveRoomReq
	LeaveTimeout                      // reconnect window expired
	LeaveKick                         // kicked by stage logic
	LeaveStageClosed                  // stage shut down
)

func (r LeaveReason) String() string {
	switch r {
	case LeaveRequested:
		return "requested"
	case LeaveTimeout:
		return "timeout"
	case LeaveKick:
		return "kick"
	case LeaveStageClosed:
		return "stage_closed"
	default:
		return "unknown"
	}
}

// BaseStage provides no-op implementations of the optional callbacks so
// user stages only implement what they need.
type BaseStage struct{}

func (BaseStage) OnCreate(*Context, []byte) error { return nil }
func (BaseStage) OnPostCreate(*Context)           {}
func (BaseStage) OnJoinRoom(*Context, *Actor, []byte) error {
	return nil
}
func (BaseStage) OnPostJoinRoom(*Context, *Actor)                         {}
func (BaseStage) OnActorConnectionChanged(*Context, *Actor, bool, string) {}
func (BaseStage) OnLeaveRoom(*Context, *Actor, LeaveReason)               {}
func (BaseStage) OnDispatch(*Context, *Actor, *Call)                      {}
func (BaseStage) OnDestroy(*Context)                                      {}
