package app

import (
	"sync"

	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry tracks every live connection and which space it is attached to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ConnID]*Session
	bySpace  map[domain.SpaceID]map[core.ConnID]*Session
	spaceOf  map[core.ConnID]domain.SpaceID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.ConnID]*Session),
		bySpace:  make(map[domain.SpaceID]map[core.ConnID]*Session),
		spaceOf:  make(map[core.ConnID]domain.SpaceID),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ConnID] = s
	log.Info().Str("module", "app.registry").Str("conn", string(s.ConnID)).Msg("bound signal")
}

func (r *Registry) Get(conn core.ConnID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conn]
	return s, ok
}

// Remove forgets the connection entirely.
func (r *Registry) Remove(conn core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(conn)
	delete(r.sessions, conn)
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("unbind session")
}

func (r *Registry) Attach(space domain.SpaceID, conn core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conn]
	if !ok {
		return false
	}
	r.detachLocked(conn)
	set, ok := r.bySpace[space]
	if !ok {
		set = make(map[core.ConnID]*Session)
		r.bySpace[space] = set
	}
	set[conn] = s
	r.spaceOf[conn] = space
	return true
}

// Detach removes the space association and reports whether there was one.
func (r *Registry) Detach(conn core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachLocked(conn)
}

func (r *Registry) detachLocked(conn core.ConnID) bool {
	space, ok := r.spaceOf[conn]
	if !ok {
		return false
	}
	delete(r.spaceOf, conn)
	if set := r.bySpace[space]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.bySpace, space)
		}
	}
	return true
}

func (r *Registry) InSpace(space domain.SpaceID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySpace[space]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) ByNickname(space domain.SpaceID, nickname string) []*Session {
	return r.filter(space, func(id Identity) bool { return id.Nickname == nickname })
}

func (r *Registry) ByParticipant(space domain.SpaceID, pid domain.ParticipantID) []*Session {
	return r.filter(space, func(id Identity) bool { return id.ParticipantID == pid })
}

func (r *Registry) ByMemberID(space domain.SpaceID, memberID string) (*Session, bool) {
	if memberID == "" {
		return nil, false
	}
	found := r.filter(space, func(id Identity) bool { return id.MemberID == memberID })
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

func (r *Registry) filter(space domain.SpaceID, keep func(Identity) bool) []*Session {
	var out []*Session
	for _, s := range r.InSpace(space) {
		if keep(s.Identity()) {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
