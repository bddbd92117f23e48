package domain

import "time"

type MessageKind string

const (
	KindMessage MessageKind = "MESSAGE"
	KindWhisper MessageKind = "WHISPER"
	KindParty   MessageKind = "PARTY"
)

type SenderType string

const (
	SenderUser  SenderType = "USER"
	SenderGuest SenderType = "GUEST"
)

// ChatMessage is the persisted form of a chat line.
type ChatMessage struct {
	ID         string
	SpaceID    SpaceID
	SenderID   string
	SenderType SenderType
	SenderName string
	Content    string
	Kind       MessageKind
	TargetID   string
	CreatedAt  time.Time
	Deleted    bool
	DeletedBy  string
	DeletedAt  *time.Time
}

type EventType string

const (
	EventMessageDeleted EventType = "MESSAGE_DELETED"
	EventMemberMuted    EventType = "MEMBER_MUTED"
	EventMemberKicked   EventType = "MEMBER_KICKED"
)

// EventLogEntry is an audit record written next to moderation side effects.
type EventLogEntry struct {
	SpaceID   SpaceID
	UserID    UserID
	Type      EventType
	Payload   map[string]any
	CreatedAt time.Time
}
