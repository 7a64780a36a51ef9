package protocol

import "errors"

// Protocol error codes carried in the error_code header field.
// 0 means success. Codes >= 2000 are user-defined.
const (
	CodeSuccess            uint16 = 0
	CodeUnknown            uint16 = 1
	CodeInvalidPacket      uint16 = 2
	CodeTimeout            uint16 = 3
	CodeStageNotFound      uint16 = 4
	CodeActorNotFound      uint16 = 5
	CodeUnauthorized       uint16 = 6
	CodeInternalError      uint16 = 7
	CodeInvalidState       uint16 = 8
	CodeRateLimitExceeded  uint16 = 9
	CodeStageFull          uint16 = 1000
	CodeStageAlreadyExists uint16 = 1001
	CodeAlreadyInStage     uint16 = 1002
	CodeNotInStage         uint16 = 1003
	CodeStageClosed        uint16 = 1004
	CodeStageOverloaded    uint16 = 1005
)

// ErrInvalidFrame is returned by the framer when a frame violates the wire
// format. The session must be closed by the caller.
var ErrInvalidFrame = errors.New("invalid frame")

// CodeString returns a short name for a protocol error code, for logging.
func CodeString(code uint16) string {
	switch code {
	case CodeSuccess:
		return "Success"
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidPacket:
		return "InvalidPacket"
	case CodeTimeout:
		return "Timeout"
	case CodeStageNotFound:
		return "StageNotFound"
	case CodeActorNotFound:
		return "ActorNotFound"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeInternalError:
		return "InternalError"
	case CodeInvalidState:
		return "InvalidState"
	case CodeRateLimitExceeded:
		return "RateLimitExceeded"
	case CodeStageFull:
		return "StageFull"
	case CodeStageAlreadyExists:
		return "StageAlreadyExists"
	case CodeAlreadyInStage:
		return "AlreadyInStage"
	case CodeNotInStage:
		return "NotInStage"
	case CodeStageClosed:
		return "StageClosed"
	case CodeStageOverloaded:
		return "StageOverloaded"
	default:
		return "UserDefined"
	}
}
