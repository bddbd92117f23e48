package domain

import "strings"

type TokenKind int

const (
	TokenNone TokenKind = iota
	TokenAuth
	TokenGuest
	TokenDev
)

func (k TokenKind) String() string {
	switch k {
	case TokenAuth:
		return "auth"
	case TokenGuest:
		return "guest"
	case TokenDev:
		return "dev"
	default:
		return "none"
	}
}

const (
	authPrefix  = "auth-"
	guestPrefix = "guest-"
	devPrefix   = "dev-"
)

// ClassifyToken reports the token kind and, for auth tokens, the payload
// after the prefix.
func ClassifyToken(token string) (TokenKind, string) {
	switch {
	case token == "":
		return TokenNone, ""
	case strings.HasPrefix(token, authPrefix):
		return TokenAuth, strings.TrimPrefix(token, authPrefix)
	case strings.HasPrefix(token, devPrefix):
		return TokenDev, strings.TrimPrefix(token, devPrefix)
	default:
		return TokenGuest, token
	}
}

// StoredSender returns the sender id and type written with persisted chat
// lines: the token without its auth-/guest- prefix, or pid when there is
// no token.
func StoredSender(token string, pid ParticipantID) (string, SenderType) {
	typ := SenderGuest
	if strings.HasPrefix(token, authPrefix) {
		typ = SenderUser
	}
	id := strings.TrimPrefix(strings.TrimPrefix(token, authPrefix), guestPrefix)
	if id == "" {
		id = string(pid)
	}
	return id, typ
}
