package roomserver

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/udisondev/stagehub/internal/protocol"
	"github.com/udisondev/stagehub/internal/session"
	"github.com/udisondev/stagehub/internal/stage"
	"github.com/udisondev/stagehub/internal/token"
)

// handlePacket routes one decoded packet. Returns true when the session
// must be closed and the read loop should exit.
func (s *Server) handlePacket(ctx context.Context, sess *session.Session, pkt *protocol.Packet) bool {
	// Heartbeats bypass the mailbox entirely.
	if pkt.Heartbeat || pkt.MsgID == protocol.MsgHeartbeat {
		sess.TouchHeartbeat()
		pkt.Release()
		_ = sess.SendPacket(&protocol.Packet{
			MsgID:     protocol.MsgHeartbeatRes,
			Heartbeat: true,
		})
		return false
	}

	if !sess.Authenticated() {
		if pkt.MsgID == protocol.MsgConnectWithToken {
			return s.handleAuth(ctx, sess, pkt)
		}
		// Anything else before auth is a protocol-state error.
		slog.Warn("packet on unauthenticated session", "session", sess.ID(), "msg_id", pkt.MsgID)
		s.replyError(sess, pkt, protocol.CodeUnauthorized)
		pkt.Release()
		sess.Close("unauthenticated packet")
		return true
	}

	switch pkt.MsgID {
	case protocol.MsgConnectWithToken:
		// Duplicate auth on an authenticated session.
		s.replyJoinError(sess, pkt, protocol.CodeInvalidState)
		pkt.Release()
		sess.Close("duplicate auth")
		return true

	case protocol.MsgLeaveRoomReq:
		return s.handleLeave(sess, pkt)

	default:
		if protocol.IsReservedMsgID(pkt.MsgID) {
			pkt.Release()
			if sess.Violation("client sent reserved msg_id " + pkt.MsgID) {
				sess.Close("too many protocol violations")
				return true
			}
			return false
		}
		return s.dispatchClient(ctx, sess, pkt)
	}
}

// handleAuth runs the ConnectWithToken handshake. Payload layout:
// u16 token_len | token | auth_data (rest, optional).
func (s *Server) handleAuth(ctx context.Context, sess *session.Session, pkt *protocol.Packet) bool {
	defer pkt.Release()

	payload := pkt.Payload
	if len(payload) < 2 {
		s.replyJoinError(sess, pkt, protocol.CodeInvalidPacket)
		sess.Close("malformed auth payload")
		return true
	}
	tokenLen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+tokenLen {
		s.replyJoinError(sess, pkt, protocol.CodeInvalidPacket)
		sess.Close("malformed auth payload")
		return true
	}
	tokenBlob := payload[2 : 2+tokenLen]
	authData := append([]byte(nil), payload[2+tokenLen:]...)

	claims, err := s.verifier.Verify(tokenBlob, time.Now())
	if err != nil {
		slog.Info("token rejected", "session", sess.ID(), "remote", sess.RemoteAddr(), "reason", err)
		s.replyJoinError(sess, pkt, protocol.CodeUnauthorized)
		sess.Close("token rejected")
		return true
	}

	if s.gate != nil {
		gateCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		banned, gateErr := s.gate.IsBanned(gateCtx, claims.AccountID)
		cancel()
		if gateErr != nil {
			// Availability over strictness: a broken gate must not take
			// logins down with it.
			slog.Error("account gate check failed", "account", claims.AccountID, "error", gateErr)
		} else if banned {
			slog.Info("banned account rejected", "account", claims.AccountID)
			s.replyJoinError(sess, pkt, protocol.CodeUnauthorized)
			sess.Close("account banned")
			return true
		}
		go s.gate.RecordLogin(context.Background(), claims.AccountID, sess.RemoteAddr().String())
	}

	// Resolve the stage: the token either names one or authorizes a
	// factory-produced one.
	var st *stage.Stage
	if claims.StageID == token.StageCreate {
		st, err = s.registry.CreateStage(claims.StageType, claims.UserInfo)
		if err != nil {
			slog.Warn("stage create for join failed", "type", claims.StageType, "error", err)
			code := protocol.CodeInternalError
			if errors.Is(err, stage.ErrUnknownStageType) {
				code = protocol.CodeStageNotFound
			} else if errors.Is(err, stage.ErrDraining) {
				code = protocol.CodeStageClosed
			}
			s.replyJoinError(sess, pkt, code)
			sess.Close("stage create failed")
			return true
		}
	} else {
		st = s.registry.FindStage(claims.StageID)
		if st == nil {
			s.replyJoinError(sess, pkt, protocol.CodeStageNotFound)
			sess.Close("stage not found")
			return true
		}
	}

	// Evict any older session for this account. The displaced session's
	// close is silent; the actor follows the new session via the join.
	s.sessions.BindAccount(claims.AccountID, sess)
	sess.Bind(claims.AccountID, st.ID())

	if err := st.PostJoin(claims.AccountID, sess, claims.UserInfo, authData, pkt.MsgSeq); err != nil {
		s.replyJoinError(sess, pkt, protocol.CodeStageClosed)
		sess.Close("stage closed during join")
		return true
	}
	// JoinRoomRes is sent by the stage once the join is processed;
	// packets arriving meanwhile queue behind the join in FIFO order.
	return false
}

func (s *Server) handleLeave(sess *session.Session, pkt *protocol.Packet) bool {
	defer pkt.Release()

	st := s.registry.FindStage(sess.StageID())
	if st == nil {
		s.replyError(sess, pkt, protocol.CodeNotInStage)
		sess.Close("leave without stage")
		return true
	}
	if err := st.PostLeave(sess.AccountID(), stage.LeaveRequested, pkt.MsgSeq); err != nil {
		s.replyError(sess, pkt, protocol.CodeStageClosed)
		sess.Close("stage closed")
		return true
	}
	// The stage replies LeaveRoomRes and closes the session.
	return false
}

// dispatchClient enqueues a user packet on the session's stage mailbox,
// applying the backpressure policy on overload.
func (s *Server) dispatchClient(ctx context.Context, sess *session.Session, pkt *protocol.Packet) bool {
	// An authenticated session is pinned to exactly one stage; a packet
	// addressed elsewhere is a routing error, not a capability.
	if pkt.StageID != 0 && pkt.StageID != sess.StageID() {
		s.replyError(sess, pkt, protocol.CodeStageNotFound)
		pkt.Release()
		return false
	}

	st := s.registry.FindStage(sess.StageID())
	if st == nil {
		s.replyError(sess, pkt, protocol.CodeStageNotFound)
		pkt.Release()
		sess.Close("stage gone")
		return true
	}

	err := st.PostClient(sess.AccountID(), sess, pkt)
	switch {
	case err == nil:
		return false

	case errors.Is(err, stage.ErrStageOverloaded):
		s.replyError(sess, pkt, protocol.CodeStageOverloaded)
		pkt.Release()
		// Park this session's reads until the stage drains.
		return !s.throttle(ctx, sess, st)

	case errors.Is(err, stage.ErrStageClosed):
		s.replyError(sess, pkt, protocol.CodeStageClosed)
		pkt.Release()
		sess.Close("stage closed")
		return true

	default:
		pkt.Release()
		return false
	}
}

// replyError answers a request with a typed error code. Fire-and-forget
// packets get nothing.
func (s *Server) replyError(sess *session.Session, req *protocol.Packet, code uint16) {
	if !req.IsRequest() {
		return
	}
	_ = sess.SendPacket(protocol.NewReply(req, req.MsgID, code, nil))
}

// replyJoinError answers a failed ConnectWithToken handshake. The client
// waits for JoinRoomRes whatever the outcome, so handshake failures carry
// that msg_id rather than echoing the request's.
func (s *Server) replyJoinError(sess *session.Session, req *protocol.Packet, code uint16) {
	if req.MsgSeq == 0 {
		return
	}
	_ = sess.SendPacket(&protocol.Packet{
		MsgID:     protocol.MsgJoinRoomRes,
		MsgSeq:    req.MsgSeq,
		ErrorCode: code,
		Reply:     true,
	})
}
