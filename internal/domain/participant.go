// Package domain contains entities without transport or lifecycle logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 128
	MaxNicknameLen      = 36
	MaxSpaceIDLen       = 64
)

var (
	ErrNicknameTooLong = errors.New("nickname too long")
	ErrNicknameEmpty   = errors.New("nickname empty")
)

type (
	SpaceID       string
	ParticipantID string
	UserID        string
)

// SystemSenderID marks chat lines produced by the server itself.
const SystemSenderID ParticipantID = "system"

type AvatarColor string

const (
	AvatarDefault AvatarColor = "default"
	AvatarRed     AvatarColor = "red"
	AvatarGreen   AvatarColor = "green"
	AvatarPurple  AvatarColor = "purple"
	AvatarOrange  AvatarColor = "orange"
	AvatarPink    AvatarColor = "pink"
)

// ParseAvatarColor falls back to AvatarDefault for anything unknown.
func ParseAvatarColor(s string) AvatarColor {
	switch c := AvatarColor(s); c {
	case AvatarRed, AvatarGreen, AvatarPurple, AvatarOrange, AvatarPink:
		return c
	default:
		return AvatarDefault
	}
}

// NormalizeNickname trims and validates a display name.
func NormalizeNickname(nickname string) (string, error) {
	n := strings.TrimSpace(nickname)
	if len(n) == 0 {
		return "", ErrNicknameEmpty
	}
	if len([]rune(n)) > MaxNicknameLen {
		return "", ErrNicknameTooLong
	}
	return n, nil
}

// UnknownNickname stands in for a missing display name.
const UnknownNickname = "Unknown"

// GuestProfile is what the verification API vouches for.
type GuestProfile struct {
	ParticipantID ParticipantID
	Nickname      string
	Avatar        AvatarColor
}
