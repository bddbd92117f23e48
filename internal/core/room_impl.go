package core

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Plaza/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory presence map.
// It never closes adapter-owned resources.
type roomImpl struct {
	space  domain.SpaceID
	mu     sync.RWMutex
	byID   map[domain.ParticipantID]domain.Position
	connOf map[domain.ParticipantID]ConnID
}

func NewRoomService(space domain.SpaceID) RoomService {
	return &roomImpl{
		space:  space,
		byID:   make(map[domain.ParticipantID]domain.Position),
		connOf: make(map[domain.ParticipantID]ConnID),
	}
}

func (r *roomImpl) Space() domain.SpaceID { return r.space }

func (r *roomImpl) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *roomImpl) Admit(conn ConnID, pos domain.Position, maxSize int) (AdmitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res AdmitResult
	prev, present := r.byID[pos.ID]
	if !present && maxSize > 0 && len(r.byID) >= maxSize {
		return res, domain.ErrRoomFull
	}
	if present {
		pos.X, pos.Y, pos.Direction = prev.X, prev.Y, prev.Direction
		if old := r.connOf[pos.ID]; old != conn {
			res.Evicted = old
		}
	}
	pos.IsMoving = false
	r.byID[pos.ID] = pos
	r.connOf[pos.ID] = conn
	res.Position = pos
	log.Info().Str("module", "core.room").Str("space", string(r.space)).Str("conn", string(conn)).
		Str("participant", string(pos.ID)).Bool("rejoin", present).Msg("participant admitted")
	return res, nil
}

func (r *roomImpl) Move(conn ConnID, pos domain.Position) (domain.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[pos.ID]
	if !ok || r.connOf[pos.ID] != conn {
		return domain.Position{}, false
	}
	cur.X, cur.Y, cur.Direction, cur.IsMoving = pos.X, pos.Y, pos.Direction, pos.IsMoving
	r.byID[pos.ID] = cur
	return cur, true
}

func (r *roomImpl) UpdateProfile(conn ConnID, id domain.ParticipantID, nickname string, color domain.AvatarColor, avatar json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok || r.connOf[id] != conn {
		return false
	}
	cur.Nickname = nickname
	if color != "" {
		cur.AvatarColor = color
	}
	if avatar != nil {
		cur.AvatarConfig = avatar
	}
	r.byID[id] = cur
	return true
}

func (r *roomImpl) Remove(id domain.ParticipantID, conn ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.connOf[id]; !ok || owner != conn {
		return false
	}
	delete(r.byID, id)
	delete(r.connOf, id)
	log.Info().Str("module", "core.room").Str("space", string(r.space)).Str("conn", string(conn)).
		Str("participant", string(id)).Msg("participant removed")
	return true
}

func (r *roomImpl) Snapshot() []domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Position, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}
