package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
)

// Identity is the server-authoritative view of who a connection is.
type Identity struct {
	SpaceID       domain.SpaceID
	ParticipantID domain.ParticipantID
	Nickname      string
	AvatarColor   domain.AvatarColor
	AvatarConfig  json.RawMessage
	Token         string
	TokenKind     domain.TokenKind
	UserID        domain.UserID
	MemberID      string
}

// Session is the per-connection state. The transport owns the signal
// connection; Close only asks it to shut down.
type Session struct {
	ConnID core.ConnID
	Signal core.SignalConnection
	cancel context.CancelFunc

	mu              sync.RWMutex
	id              Identity
	restriction     domain.Restriction
	partyID         string
	partyName       string
	spotlightGrant  string
	spotlightActive bool
	joined          bool
	evicted         bool
}

func NewSession(conn core.ConnID, sig core.SignalConnection, cancel context.CancelFunc) *Session {
	return &Session{
		ConnID:      conn,
		Signal:      sig,
		cancel:      cancel,
		restriction: domain.NoRestriction(),
	}
}

func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Joined reports whether the session is currently inside a space.
func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// Bind fills the session after a successful admission.
func (s *Session) Bind(id Identity, r domain.Restriction, spotlightGrant string, spotlightActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.restriction = r
	s.spotlightGrant = spotlightGrant
	s.spotlightActive = spotlightActive
	s.partyID, s.partyName = "", ""
	s.joined = true
	s.evicted = false
}

// MarkLeft flips the session out of its space. Only the first caller after
// a Bind gets true, which makes cleanup idempotent.
func (s *Session) MarkLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return false
	}
	s.joined = false
	return true
}

// MarkEvicted records that another connection took over the participant.
func (s *Session) MarkEvicted() {
	s.mu.Lock()
	s.evicted = true
	s.mu.Unlock()
}

func (s *Session) Evicted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

func (s *Session) Restriction() domain.Restriction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restriction
}

func (s *Session) SetRestriction(r domain.Restriction) {
	s.mu.Lock()
	s.restriction = r
	s.mu.Unlock()
}

func (s *Session) SetProfile(nickname string, color domain.AvatarColor, avatar json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id.Nickname = nickname
	if color != "" {
		s.id.AvatarColor = color
	}
	if avatar != nil {
		s.id.AvatarConfig = avatar
	}
}

func (s *Session) Party() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partyID, s.partyName
}

func (s *Session) SetParty(id, name string) {
	s.mu.Lock()
	s.partyID, s.partyName = id, name
	s.mu.Unlock()
}

func (s *Session) Spotlight() (grantID string, active bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spotlightGrant, s.spotlightActive
}

// ClearSpotlightGrant forgets a grant found to be expired.
func (s *Session) ClearSpotlightGrant() {
	s.mu.Lock()
	s.spotlightGrant, s.spotlightActive = "", false
	s.mu.Unlock()
}

func (s *Session) SetSpotlightActive(active bool) {
	s.mu.Lock()
	s.spotlightActive = active
	s.mu.Unlock()
}

// Close cancels the pumps and closes the transport.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.Signal != nil {
		s.Signal.Close()
	}
}
