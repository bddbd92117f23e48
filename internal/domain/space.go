package domain

import (
	"encoding/json"
	"time"
)

// RecordingStatus is the single recording slot of a space.
type RecordingStatus struct {
	IsRecording      bool          `json:"isRecording"`
	RecorderID       ParticipantID `json:"recorderId"`
	RecorderNickname string        `json:"recorderNickname"`
	StartedAt        int64         `json:"startedAt"`
}

// SpotlightGrant is a persisted capability, independent of liveness.
type SpotlightGrant struct {
	ID            string
	SpaceID       SpaceID
	ParticipantID ParticipantID
	ExpiresAt     *time.Time
	IsActive      bool
}

func (g SpotlightGrant) ValidAt(now time.Time) bool {
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

type ActiveSpotlight struct {
	ParticipantID ParticipantID `json:"participantId"`
	Nickname      string        `json:"nickname"`
}

type Rotation int

func (r Rotation) Valid() bool {
	return r == 0 || r == 90 || r == 180 || r == 270
}

// MapObject is a placed item in a space.
type MapObject struct {
	ID             string
	SpaceID        SpaceID
	AssetID        string
	X              float64
	Y              float64
	Rotation       Rotation
	LinkedObjectID string
	CustomData     json.RawMessage
	PlacedBy       ParticipantID
	PlacedByType   SenderType
	CreatedAt      time.Time
}

// ObjectPatch carries optional fields for an update; nil means unchanged.
type ObjectPatch struct {
	X, Y           *float64
	Rotation       *Rotation
	LinkedObjectID *string
	CustomData     json.RawMessage
}
