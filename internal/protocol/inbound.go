// Package protocol defines the WebSocket wire format: a {"type","data"}
// envelope carrying one of a closed set of inbound and outbound events.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrBadPayload  = errors.New("bad payload")
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented only by the event types in this file.
type Inbound interface {
	InboundType() string
	sealed()
}

type inbound struct{}

func (inbound) sealed() {}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type JoinSpace struct {
	inbound
	SpaceID      string          `json:"spaceId" validate:"required,max=64"`
	PlayerID     string          `json:"playerId" validate:"max=128"`
	Nickname     string          `json:"nickname" validate:"max=64"`
	AvatarColor  string          `json:"avatarColor,omitempty"`
	AvatarConfig json.RawMessage `json:"avatarConfig,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
}

type LeaveSpace struct{ inbound }

type PlayerMove struct {
	inbound
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction" validate:"oneof=up down left right"`
	IsMoving  bool    `json:"isMoving"`
}

type PlayerJump struct {
	inbound
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type UpdateProfile struct {
	inbound
	Nickname     string          `json:"nickname" validate:"required,max=64"`
	AvatarColor  string          `json:"avatarColor,omitempty"`
	AvatarConfig json.RawMessage `json:"avatarConfig,omitempty"`
}

// Chat content is validated by the rate limiter, not here, so the sender
// gets the limiter's reason.
type ChatSend struct {
	inbound
	Content string          `json:"content"`
	ReplyTo json.RawMessage `json:"replyTo,omitempty"`
}

type WhisperSend struct {
	inbound
	TargetNickname string          `json:"targetNickname" validate:"required"`
	Content        string          `json:"content"`
	ReplyTo        json.RawMessage `json:"replyTo,omitempty"`
}

type ReactionToggle struct {
	inbound
	MessageID string `json:"messageId" validate:"required"`
	Type      string `json:"type" validate:"required,max=32"`
}

type PartyJoin struct {
	inbound
	PartyID   string `json:"partyId" validate:"required,max=128"`
	PartyName string `json:"partyName" validate:"max=128"`
}

type PartyLeave struct{ inbound }

type PartySend struct {
	inbound
	Content string `json:"content"`
}

type AdminMute struct {
	inbound
	TargetMemberID string `json:"targetMemberId" validate:"required"`
	// Duration in minutes; nil mutes indefinitely.
	Duration *int   `json:"duration,omitempty" validate:"omitempty,gt=0"`
	Reason   string `json:"reason,omitempty" validate:"max=500"`
}

type AdminUnmute struct {
	inbound
	TargetMemberID string `json:"targetMemberId" validate:"required"`
}

type AdminKick struct {
	inbound
	TargetMemberID string `json:"targetMemberId" validate:"required"`
	Reason         string `json:"reason,omitempty" validate:"max=500"`
	Ban            bool   `json:"ban,omitempty"`
}

type AdminDeleteMessage struct {
	inbound
	MessageID string `json:"messageId" validate:"required"`
}

type AdminAnnounce struct {
	inbound
	Content string `json:"content" validate:"required,max=2000"`
}

type RecordingStart struct{ inbound }
type RecordingStop struct{ inbound }
type SpotlightActivate struct{ inbound }
type SpotlightDeactivate struct{ inbound }

type ProximitySet struct {
	inbound
	Enabled bool `json:"enabled"`
}

type ObjectPlace struct {
	inbound
	AssetID        string          `json:"assetId" validate:"required,max=128"`
	Position       Point           `json:"position"`
	Rotation       int             `json:"rotation" validate:"oneof=0 90 180 270"`
	LinkedObjectID string          `json:"linkedObjectId,omitempty"`
	CustomData     json.RawMessage `json:"customData,omitempty"`
}

type ObjectUpdate struct {
	inbound
	ObjectID       string          `json:"objectId" validate:"required"`
	Position       *Point          `json:"position,omitempty"`
	Rotation       *int            `json:"rotation,omitempty" validate:"omitempty,oneof=0 90 180 270"`
	LinkedObjectID *string         `json:"linkedObjectId,omitempty"`
	CustomData     json.RawMessage `json:"customData,omitempty"`
}

type ObjectDelete struct {
	inbound
	ObjectID string `json:"objectId" validate:"required"`
}

type Ping struct{ inbound }

func (JoinSpace) InboundType() string           { return "join:space" }
func (LeaveSpace) InboundType() string          { return "leave:space" }
func (PlayerMove) InboundType() string          { return "player:move" }
func (PlayerJump) InboundType() string          { return "player:jump" }
func (UpdateProfile) InboundType() string       { return "player:updateProfile" }
func (ChatSend) InboundType() string            { return "chat:message" }
func (WhisperSend) InboundType() string         { return "whisper:send" }
func (ReactionToggle) InboundType() string      { return "reaction:toggle" }
func (PartyJoin) InboundType() string           { return "party:join" }
func (PartyLeave) InboundType() string          { return "party:leave" }
func (PartySend) InboundType() string           { return "party:message" }
func (AdminMute) InboundType() string           { return "admin:mute" }
func (AdminUnmute) InboundType() string         { return "admin:unmute" }
func (AdminKick) InboundType() string           { return "admin:kick" }
func (AdminDeleteMessage) InboundType() string  { return "admin:deleteMessage" }
func (AdminAnnounce) InboundType() string       { return "admin:announce" }
func (RecordingStart) InboundType() string      { return "recording:start" }
func (RecordingStop) InboundType() string       { return "recording:stop" }
func (SpotlightActivate) InboundType() string   { return "spotlight:activate" }
func (SpotlightDeactivate) InboundType() string { return "spotlight:deactivate" }
func (ProximitySet) InboundType() string        { return "proximity:set" }
func (ObjectPlace) InboundType() string         { return "object:place" }
func (ObjectUpdate) InboundType() string        { return "object:update" }
func (ObjectDelete) InboundType() string        { return "object:delete" }
func (Ping) InboundType() string                { return "ping" }

var inboundTypes = map[string]func() Inbound{
	"join:space":           func() Inbound { return &JoinSpace{} },
	"leave:space":          func() Inbound { return &LeaveSpace{} },
	"player:move":          func() Inbound { return &PlayerMove{} },
	"player:jump":          func() Inbound { return &PlayerJump{} },
	"player:updateProfile": func() Inbound { return &UpdateProfile{} },
	"chat:message":         func() Inbound { return &ChatSend{} },
	"whisper:send":         func() Inbound { return &WhisperSend{} },
	"reaction:toggle":      func() Inbound { return &ReactionToggle{} },
	"party:join":           func() Inbound { return &PartyJoin{} },
	"party:leave":          func() Inbound { return &PartyLeave{} },
	"party:message":        func() Inbound { return &PartySend{} },
	"admin:mute":           func() Inbound { return &AdminMute{} },
	"admin:unmute":         func() Inbound { return &AdminUnmute{} },
	"admin:kick":           func() Inbound { return &AdminKick{} },
	"admin:deleteMessage":  func() Inbound { return &AdminDeleteMessage{} },
	"admin:announce":       func() Inbound { return &AdminAnnounce{} },
	"recording:start":      func() Inbound { return &RecordingStart{} },
	"recording:stop":       func() Inbound { return &RecordingStop{} },
	"spotlight:activate":   func() Inbound { return &SpotlightActivate{} },
	"spotlight:deactivate": func() Inbound { return &SpotlightDeactivate{} },
	"proximity:set":        func() Inbound { return &ProximitySet{} },
	"object:place":         func() Inbound { return &ObjectPlace{} },
	"object:update":        func() Inbound { return &ObjectUpdate{} },
	"object:delete":        func() Inbound { return &ObjectDelete{} },
	"ping":                 func() Inbound { return &Ping{} },
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses one inbound frame. The returned value is always a pointer
// to one of the event structs above.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	ctor, ok := inboundTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := ctor()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
		}
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return msg, nil
}
