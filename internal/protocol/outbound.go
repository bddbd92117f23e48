package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
)

// Outbound is any server to client event.
type Outbound interface {
	OutboundType() string
}

type outEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Encode wraps o into an envelope frame.
func Encode(o Outbound) (core.Frame, error) {
	b, err := json.Marshal(outEnvelope{Type: o.OutboundType(), Data: o})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", o.OutboundType(), err)
	}
	return b, nil
}

// presence

type RoomJoined struct {
	SpaceID      domain.SpaceID       `json:"spaceId"`
	Players      []domain.Position    `json:"players"`
	YourPlayerID domain.ParticipantID `json:"yourPlayerId"`
}

type PlayerJoined domain.Position
type PlayerMoved domain.Position

type PlayerLeft struct {
	ID domain.ParticipantID `json:"id"`
}

type PlayerJumped struct {
	ID domain.ParticipantID `json:"id"`
	X  float64              `json:"x"`
	Y  float64              `json:"y"`
}

type PlayerProfileUpdated struct {
	ID           domain.ParticipantID `json:"id"`
	Nickname     string               `json:"nickname"`
	AvatarColor  domain.AvatarColor   `json:"avatarColor,omitempty"`
	AvatarConfig json.RawMessage      `json:"avatarConfig,omitempty"`
}

// chat

type ChatLine struct {
	ID             string          `json:"id"`
	SenderID       string          `json:"senderId"`
	SenderNickname string          `json:"senderNickname"`
	Content        string          `json:"content"`
	Timestamp      int64           `json:"timestamp"`
	Type           string          `json:"type"`
	ReplyTo        json.RawMessage `json:"replyTo,omitempty"`
	TargetID       string          `json:"targetId,omitempty"`
	TargetNickname string          `json:"targetNickname,omitempty"`
	PartyID        string          `json:"partyId,omitempty"`
	PartyName      string          `json:"partyName,omitempty"`
}

type ChatMessage ChatLine
type ChatSystem ChatLine
type WhisperReceive ChatLine
type WhisperSent ChatLine
type PartyMessage ChatLine

type IDUpdate struct {
	TempID string `json:"tempId"`
	RealID string `json:"realId"`
}

type ChatMessageIDUpdate IDUpdate
type WhisperMessageIDUpdate IDUpdate

type SendFailed struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
}

type ChatMessageFailed SendFailed
type WhisperMessageFailed SendFailed

type ChatMessageDeleted struct {
	MessageID         string `json:"messageId"`
	DeletedBy         string `json:"deletedBy"`
	DeletedByNickname string `json:"deletedByNickname"`
}

type ReactionUpdated struct {
	MessageID    string               `json:"messageId"`
	Type         string               `json:"type"`
	UserID       domain.ParticipantID `json:"userId"`
	UserNickname string               `json:"userNickname"`
	Action       string               `json:"action"`
}

// party

type PartyJoined struct {
	PartyID   string `json:"partyId"`
	PartyName string `json:"partyName"`
}

type PartyLeft struct {
	PartyID string `json:"partyId"`
}

// moderation

type MemberMuted struct {
	MemberID        domain.ParticipantID `json:"memberId"`
	Nickname        string               `json:"nickname"`
	MutedBy         domain.ParticipantID `json:"mutedBy"`
	MutedByNickname string               `json:"mutedByNickname"`
	Duration        *int                 `json:"duration,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	MutedUntil      string               `json:"mutedUntil,omitempty"`
}

type MemberUnmuted struct {
	MemberID          domain.ParticipantID `json:"memberId"`
	Nickname          string               `json:"nickname"`
	UnmutedBy         domain.ParticipantID `json:"unmutedBy"`
	UnmutedByNickname string               `json:"unmutedByNickname"`
}

type MemberKicked struct {
	MemberID         domain.ParticipantID `json:"memberId"`
	Nickname         string               `json:"nickname"`
	KickedBy         domain.ParticipantID `json:"kickedBy"`
	KickedByNickname string               `json:"kickedByNickname"`
	Reason           string               `json:"reason,omitempty"`
	Banned           bool                 `json:"banned"`
}

type SpaceAnnouncement struct {
	ID             string               `json:"id"`
	Content        string               `json:"content"`
	SenderID       domain.ParticipantID `json:"senderId"`
	SenderNickname string               `json:"senderNickname"`
	Timestamp      int64                `json:"timestamp"`
}

type AdminError struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// resources

type RecordingStarted domain.RecordingStatus
type RecordingStopped domain.RecordingStatus
type RecordingStatus domain.RecordingStatus

type SpotlightChanged struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Nickname      string               `json:"nickname"`
	IsActive      bool                 `json:"isActive"`
}

type SpotlightActivated SpotlightChanged
type SpotlightDeactivated SpotlightChanged

type SpotlightStatus struct {
	ActiveSpotlights []domain.ActiveSpotlight `json:"activeSpotlights"`
	HasGrant         bool                     `json:"hasGrant"`
	GrantID          string                   `json:"grantId,omitempty"`
	ExpiresAt        string                   `json:"expiresAt,omitempty"`
}

type ProximityChanged struct {
	Enabled bool `json:"enabled"`
	// ChangedBy is the actor's nickname.
	ChangedBy string `json:"changedBy"`
}

type ProximityStatus struct {
	Enabled bool `json:"enabled"`
}

// objects

type MapObject struct {
	ID             string          `json:"id"`
	AssetID        string          `json:"assetId"`
	Position       Point           `json:"position"`
	Rotation       int             `json:"rotation"`
	LinkedObjectID string          `json:"linkedObjectId,omitempty"`
	CustomData     json.RawMessage `json:"customData,omitempty"`
	PlacedBy       string          `json:"placedBy"`
	PlacedAt       string          `json:"placedAt"`
}

type ObjectsSync struct {
	Objects []MapObject `json:"objects"`
}

type ObjectPlaced struct {
	Object           MapObject `json:"object"`
	PlacedByNickname string    `json:"placedByNickname"`
}

type ObjectUpdated struct {
	Object            MapObject `json:"object"`
	UpdatedByNickname string    `json:"updatedByNickname"`
}

type ObjectDeleted struct {
	ObjectID          string               `json:"objectId"`
	DeletedBy         domain.ParticipantID `json:"deletedBy"`
	DeletedByNickname string               `json:"deletedByNickname"`
}

// errors

type Notice struct {
	Message string `json:"message"`
}

type ChatError Notice
type WhisperError Notice
type PartyError Notice
type RecordingError Notice
type SpotlightError Notice
type ProximityError Notice
type ObjectError Notice

// Error is terminal: the connection is closed right after it is sent.
type Error Notice

type Pong struct{}

func (RoomJoined) OutboundType() string             { return "room:joined" }
func (PlayerJoined) OutboundType() string           { return "player:joined" }
func (PlayerMoved) OutboundType() string            { return "player:moved" }
func (PlayerLeft) OutboundType() string             { return "player:left" }
func (PlayerJumped) OutboundType() string           { return "player:jumped" }
func (PlayerProfileUpdated) OutboundType() string   { return "player:profileUpdated" }
func (ChatMessage) OutboundType() string            { return "chat:message" }
func (ChatSystem) OutboundType() string             { return "chat:system" }
func (WhisperReceive) OutboundType() string         { return "whisper:receive" }
func (WhisperSent) OutboundType() string            { return "whisper:sent" }
func (PartyMessage) OutboundType() string           { return "party:message" }
func (ChatMessageIDUpdate) OutboundType() string    { return "chat:messageIdUpdate" }
func (WhisperMessageIDUpdate) OutboundType() string { return "whisper:messageIdUpdate" }
func (ChatMessageFailed) OutboundType() string      { return "chat:messageFailed" }
func (WhisperMessageFailed) OutboundType() string   { return "whisper:messageFailed" }
func (ChatMessageDeleted) OutboundType() string     { return "chat:messageDeleted" }
func (ReactionUpdated) OutboundType() string        { return "reaction:updated" }
func (PartyJoined) OutboundType() string            { return "party:joined" }
func (PartyLeft) OutboundType() string              { return "party:left" }
func (MemberMuted) OutboundType() string            { return "member:muted" }
func (MemberUnmuted) OutboundType() string          { return "member:unmuted" }
func (MemberKicked) OutboundType() string           { return "member:kicked" }
func (SpaceAnnouncement) OutboundType() string      { return "space:announcement" }
func (AdminError) OutboundType() string             { return "admin:error" }
func (RecordingStarted) OutboundType() string       { return "recording:started" }
func (RecordingStopped) OutboundType() string       { return "recording:stopped" }
func (RecordingStatus) OutboundType() string        { return "recording:status" }
func (SpotlightActivated) OutboundType() string     { return "spotlight:activated" }
func (SpotlightDeactivated) OutboundType() string   { return "spotlight:deactivated" }
func (SpotlightStatus) OutboundType() string        { return "spotlight:status" }
func (ProximityChanged) OutboundType() string       { return "proximity:changed" }
func (ProximityStatus) OutboundType() string        { return "proximity:status" }
func (ObjectsSync) OutboundType() string            { return "objects:sync" }
func (ObjectPlaced) OutboundType() string           { return "object:placed" }
func (ObjectUpdated) OutboundType() string          { return "object:updated" }
func (ObjectDeleted) OutboundType() string          { return "object:deleted" }
func (ChatError) OutboundType() string              { return "chat:error" }
func (WhisperError) OutboundType() string           { return "whisper:error" }
func (PartyError) OutboundType() string             { return "party:error" }
func (RecordingError) OutboundType() string         { return "recording:error" }
func (SpotlightError) OutboundType() string         { return "spotlight:error" }
func (ProximityError) OutboundType() string         { return "proximity:error" }
func (ObjectError) OutboundType() string            { return "object:error" }
func (Error) OutboundType() string                  { return "error" }
func (Pong) OutboundType() string                   { return "pong" }

// ObjectFrom converts a stored object to its wire form.
func ObjectFrom(o domain.MapObject) MapObject {
	return MapObject{
		ID:             o.ID,
		AssetID:        o.AssetID,
		Position:       Point{X: o.X, Y: o.Y},
		Rotation:       int(o.Rotation),
		LinkedObjectID: o.LinkedObjectID,
		CustomData:     o.CustomData,
		PlacedBy:       string(o.PlacedBy),
		PlacedAt:       Timestamp(o.CreatedAt),
	}
}

// Timestamp renders t the way clients parse dates: UTC ISO-8601 with millis.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
