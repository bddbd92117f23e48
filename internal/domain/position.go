package domain

import "encoding/json"

type Direction string

const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

func (d Direction) Valid() bool {
	switch d {
	case DirUp, DirDown, DirLeft, DirRight:
		return true
	}
	return false
}

// Spawn point used when a participant enters a space for the first time.
const (
	SpawnX         = 480
	SpawnY         = 320
	SpawnDirection = DirDown
)

// Position is the full presence record kept for late-joiner snapshots.
type Position struct {
	ID           ParticipantID   `json:"id"`
	Nickname     string          `json:"nickname"`
	X            float64         `json:"x"`
	Y            float64         `json:"y"`
	Direction    Direction       `json:"direction"`
	IsMoving     bool            `json:"isMoving"`
	AvatarColor  AvatarColor     `json:"avatarColor,omitempty"`
	AvatarConfig json.RawMessage `json:"avatarConfig,omitempty"`
}

// Light strips avatar metadata for movement broadcasts.
func (p Position) Light() Position {
	p.AvatarColor = ""
	p.AvatarConfig = nil
	return p
}
