package protocol

import "fmt"

// Frame layout (big-endian):
//
//	u32 total_length   (excludes these 4 bytes)
//	u8  flags
//	u16 msg_seq
//	i64 stage_id
//	u16 error_code
//	u8  msg_id_len
//	    msg_id
//	u32 payload_len
//	    payload
const (
	// FixedHeaderSize is the frame header without msg_id and payload:
	// flags(1) + msg_seq(2) + stage_id(8) + error_code(2) + msg_id_len(1) + payload_len(4).
	FixedHeaderSize = 18

	// LengthPrefixSize is the total_length prefix preceding every frame.
	LengthPrefixSize = 4

	// MaxMsgIDLen bounds the msg_id tag.
	MaxMsgIDLen = 255

	// MaxPayloadSize is the hard cap on a single payload.
	MaxPayloadSize = 2 << 20 // 2 MiB

	// MaxFrameSize bounds total_length.
	MaxFrameSize = MaxPayloadSize + FixedHeaderSize + MaxMsgIDLen
)

// Frame flag bits.
const (
	FlagCompressed byte = 1 << 0
	FlagReply      byte = 1 << 1
	FlagHeartbeat  byte = 1 << 2
)

// Packet is the wire and in-process message unit. Packets are immutable
// once enqueued on a mailbox; Payload is owned by the packet and returned
// to its buffer pool via Release.
type Packet struct {
	MsgID     string
	MsgSeq    uint16 // 0 = fire-and-forget, nonzero = request expecting a reply
	StageID   int64
	ErrorCode uint16
	Reply     bool
	Heartbeat bool
	Payload   []byte

	pool *BufferPool // pool that owns Payload, nil if not pooled
}

// IsRequest reports whether the sender expects a reply carrying MsgSeq.
func (p *Packet) IsRequest() bool {
	return p.MsgSeq != 0 && !p.Reply
}

// Release returns the payload buffer to its pool. The packet must not be
// used after Release.
func (p *Packet) Release() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Put(p.Payload)
	p.Payload = nil
	p.pool = nil
}

// NewReply builds a reply packet for a request, carrying the request's
// MsgSeq and StageID. The payload is copied: replies are routinely built
// from the request's pooled buffer, which goes back to the pool when the
// call finishes while the reply is still queued on the session.
func NewReply(req *Packet, msgID string, code uint16, payload []byte) *Packet {
	p := &Packet{
		MsgID:     msgID,
		MsgSeq:    req.MsgSeq,
		StageID:   req.StageID,
		ErrorCode: code,
		Reply:     true,
	}
	if len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	return p
}

// Clone returns an independently-owned copy of p, safe to queue on a
// second session. A pooled payload is copied so each copy can be
// released on its own; a caller-owned payload is shared read-only.
func (p *Packet) Clone() *Packet {
	c := *p
	c.pool = nil
	if p.pool != nil && len(p.Payload) > 0 {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	return &c
}

// Reserved msg_ids. User stages must not produce these.
const (
	MsgConnectWithToken         = "ConnectWithToken"
	MsgHeartbeat                = "Heartbeat"
	MsgHeartbeatRes             = "HeartbeatRes"
	MsgJoinRoomRes              = "JoinRoomRes"
	MsgLeaveRoomReq             = "LeaveRoomReq"
	MsgLeaveRoomRes             = "LeaveRoomRes"
	MsgKickNotification         = "KickNotification"
	MsgPlayerConnectedNotify    = "PlayerConnectedNotify"
	MsgPlayerDisconnectedNotify = "PlayerDisconnectedNotify"
)

var reservedMsgIDs = map[string]struct{}{
	MsgConnectWithToken:         {},
	MsgHeartbeat:                {},
	MsgHeartbeatRes:             {},
	MsgJoinRoomRes:              {},
	MsgLeaveRoomReq:             {},
	MsgLeaveRoomRes:             {},
	MsgKickNotification:         {},
	MsgPlayerConnectedNotify:    {},
	MsgPlayerDisconnectedNotify: {},
}

// IsReservedMsgID reports whether id belongs to the protocol itself.
func IsReservedMsgID(id string) bool {
	_, ok := reservedMsgIDs[id]
	return ok
}

// Validate checks header constraints that hold for every outgoing packet.
func (p *Packet) Validate() error {
	if len(p.MsgID) == 0 {
		return fmt.Errorf("%w: empty msg_id", ErrInvalidFrame)
	}
	if len(p.MsgID) > MaxMsgIDLen {
		return fmt.Errorf("%w: msg_id length %d exceeds %d", ErrInvalidFrame, len(p.MsgID), MaxMsgIDLen)
	}
	if len(p.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d exceeds %d", ErrInvalidFrame, len(p.Payload), MaxPayloadSize)
	}
	return nil
}
