package domain

import "time"

type RestrictionKind string

const (
	RestrictionNone  RestrictionKind = "NONE"
	RestrictionMuted RestrictionKind = "MUTED"
)

// Restriction is the moderation state of a participant within a space.
// The store is the source of truth; sessions cache it at admission.
type Restriction struct {
	Kind   RestrictionKind
	Until  *time.Time
	Reason string
	By     ParticipantID
}

func NoRestriction() Restriction { return Restriction{Kind: RestrictionNone} }

// MutedAt reports whether the restriction blocks chat at the given instant.
func (r Restriction) MutedAt(now time.Time) bool {
	if r.Kind != RestrictionMuted {
		return false
	}
	return r.Until == nil || now.Before(*r.Until)
}

type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleStaff       Role = "STAFF"
	RoleParticipant Role = "PARTICIPANT"
	RoleNone        Role = ""
)

// Privileged is true for STAFF and above.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleStaff
}
