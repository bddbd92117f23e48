package core

import (
	"encoding/json"

	"github.com/dkeye/Plaza/internal/domain"
)

// AdmitResult reports what Admit changed.
type AdmitResult struct {
	Position domain.Position
	// Evicted is the connection that previously owned the participant, if any.
	Evicted ConnID
}

// RoomService is the core-facing API of a space's presence map.
// It never touches transport resources.
type RoomService interface {
	Space() domain.SpaceID
	Count() int
	Snapshot() []domain.Position

	// Admit registers pos under conn. A participant already present keeps
	// its coordinates and its previous connection is reported as evicted.
	Admit(conn ConnID, pos domain.Position, maxSize int) (AdmitResult, error)
	// Move applies a position update if conn still owns pos.ID.
	Move(conn ConnID, pos domain.Position) (domain.Position, bool)
	UpdateProfile(conn ConnID, id domain.ParticipantID, nickname string, color domain.AvatarColor, avatar json.RawMessage) bool
	// Remove deletes id only while conn still owns it.
	Remove(id domain.ParticipantID, conn ConnID) bool
}

type RoomInfo struct {
	SpaceID     domain.SpaceID `json:"spaceId"`
	Connections int            `json:"connections"`
}

type RoomManager interface {
	Get(space domain.SpaceID) (RoomService, bool)
	Admit(space domain.SpaceID, conn ConnID, pos domain.Position, maxSize int) (AdmitResult, error)
	RemoveIfEmpty(space domain.SpaceID)
	List() []RoomInfo
}
