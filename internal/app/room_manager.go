package app

import (
	"sync"

	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.SpaceID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.SpaceID]core.RoomService)}
}

// Admit creates the room if needed and admits under the manager lock, so a
// concurrent RemoveIfEmpty cannot orphan the new participant.
func (f *RoomManagerImpl) Admit(space domain.SpaceID, conn core.ConnID, pos domain.Position, maxSize int) (core.AdmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[space]
	if !ok {
		room = core.NewRoomService(space)
		f.rooms[space] = room
	}
	res, err := room.Admit(conn, pos, maxSize)
	if err != nil && room.Count() == 0 {
		delete(f.rooms, space)
	}
	return res, err
}

func (f *RoomManagerImpl) Get(space domain.SpaceID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[space]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for space, r := range f.rooms {
		out = append(out, core.RoomInfo{SpaceID: space, Connections: r.Count()})
	}
	return out
}

// RemoveIfEmpty drops the room once the last participant has gone.
func (f *RoomManagerImpl) RemoveIfEmpty(space domain.SpaceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[space]; ok && r.Count() == 0 {
		delete(f.rooms, space)
	}
}
