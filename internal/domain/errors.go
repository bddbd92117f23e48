package domain

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code, also attached to log lines.
type Code string

const (
	// Auth
	CodeSessionMissing   Code = "E1001"
	CodeSessionInvalid   Code = "E1002"
	CodeAuthRequired     Code = "E1003"
	CodePermissionDenied Code = "E1004"

	// Connection
	CodeClientConnected    Code = "E2001"
	CodeClientDisconnected Code = "E2002"
	CodeDuplicateSession   Code = "E2003"
	CodeJoinFailed         Code = "E2004"
	CodeTransportFailure   Code = "E2005"

	// Persistence
	CodeChatSaveFailed        Code = "E3001"
	CodeRestrictionLoadFailed Code = "E3002"
	CodeRestrictionSaveFailed Code = "E3003"
	CodeObjectSaveFailed      Code = "E3004"
	CodeStoreUnavailable      Code = "E3005"

	// External APIs
	CodeEventLogFailed  Code = "E4001"
	CodeVerifyAPIFailed Code = "E4002"
	CodeExternalTimeout Code = "E4003"

	// Moderation and resources
	CodeNicknameSpoofing Code = "E5001"
	CodeMutedBlocked     Code = "E5002"
	CodeAdminVerify      Code = "E5003"
	CodeRecordingState   Code = "E5004"
	CodeObjectSync       Code = "E5005"

	// Server
	CodeServerStart    Code = "E6001"
	CodeServerShutdown Code = "E6002"
	CodeServerError    Code = "E6003"
	CodeMemoryWarning  Code = "E6004"
)

type Kind int

const (
	KindAdmission Kind = iota + 1
	KindPermission
	KindValidation
	KindRateLimit
	KindPersistence
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindAdmission:
		return "admission"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindPersistence:
		return "persistence"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Message is safe to show to the actor.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code Code, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

func WrapError(code Code, kind Kind, msg string, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: msg, Err: err}
}

func Admission(code Code, msg string) *Error { return NewError(code, KindAdmission, msg) }
func Permission(msg string) *Error          { return NewError(CodePermissionDenied, KindPermission, msg) }
func Validation(msg string) *Error          { return NewError(CodeJoinFailed, KindValidation, msg) }

// KindOf returns the Kind of err, or zero when err is not classified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// MessageOf returns the user-facing message, falling back to fallback.
func MessageOf(err error, fallback string) string {
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return fallback
}

var (
	ErrNotFound  = errors.New("not found")
	ErrRoomFull  = errors.New("room full")
	ErrNotInRoom = errors.New("not in room")
)
