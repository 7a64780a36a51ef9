package main

import (
	"strconv"

	"github.com/udisondev/stagehub/internal/protocol"
	"github.com/udisondev/stagehub/internal/stage"
)

// registerStageTypes is the upfront registration phase. Applications
// embedding the server add their own stage types here; the Echo and
// Counter stages double as smoke-test targets.
func registerStageTypes(reg *stage.Registry) error {
	if err := reg.RegisterType("Echo", func() stage.UserStage { return &echoStage{} }); err != nil {
		return err
	}
	if err := reg.RegisterType("Counter", func() stage.UserStage { return &counterStage{} }); err != nil {
		return err
	}
	return nil
}

// echoStage answers every Echo request with its own payload.
type echoStage struct {
	stage.BaseStage
}

func (*echoStage) OnDispatch(_ *stage.Context, _ *stage.Actor, call *stage.Call) {
	if call.MsgID() == "Echo" {
		if err := call.Reply("EchoReply", call.Payload()); err != nil {
			return
		}
	}
}

// counterStage keeps one counter per actor, demonstrating that actor
// state survives reconnects.
type counterStage struct {
	stage.BaseStage
	counters map[int64]int
}

func (c *counterStage) OnCreate(*stage.Context, []byte) error {
	c.counters = make(map[int64]int)
	return nil
}

func (c *counterStage) OnDispatch(_ *stage.Context, actor *stage.Actor, call *stage.Call) {
	if actor == nil {
		return
	}
	switch call.MsgID() {
	case "Inc":
		c.counters[actor.AccountID()]++
	case "Get":
		_ = call.Reply("GetReply", []byte(strconv.Itoa(c.counters[actor.AccountID()])))
	default:
		_ = call.ReplyError(protocol.CodeInvalidPacket)
	}
}

func (c *counterStage) OnLeaveRoom(_ *stage.Context, actor *stage.Actor, _ stage.LeaveReason) {
	delete(c.counters, actor.AccountID())
}
