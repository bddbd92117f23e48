package core

import (
	"sync"

	"github.com/dkeye/Plaza/internal/domain"
)

type partyKey struct {
	space domain.SpaceID
	party string
}

// PartyRegistry tracks sub-groups inside spaces. A connection belongs to at
// most one party per space.
type PartyRegistry struct {
	mu      sync.RWMutex
	members map[partyKey]map[ConnID]struct{}
	byConn  map[ConnID]partyKey
}

func NewPartyRegistry() *PartyRegistry {
	return &PartyRegistry{
		members: make(map[partyKey]map[ConnID]struct{}),
		byConn:  make(map[ConnID]partyKey),
	}
}

// Join moves conn into party, leaving any previous party. It returns the
// previous party id, or "" when there was none.
func (p *PartyRegistry) Join(space domain.SpaceID, party string, conn ConnID) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := ""
	if old, ok := p.byConn[conn]; ok {
		if old.space == space && old.party == party {
			return party
		}
		prev = old.party
		p.removeLocked(old, conn)
	}
	k := partyKey{space: space, party: party}
	set, ok := p.members[k]
	if !ok {
		set = make(map[ConnID]struct{})
		p.members[k] = set
	}
	set[conn] = struct{}{}
	p.byConn[conn] = k
	return prev
}

// Leave removes conn from its party. Safe to call when not in a party.
func (p *PartyRegistry) Leave(conn ConnID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byConn[conn]
	if !ok {
		return "", false
	}
	p.removeLocked(k, conn)
	return k.party, true
}

func (p *PartyRegistry) removeLocked(k partyKey, conn ConnID) {
	delete(p.byConn, conn)
	set := p.members[k]
	delete(set, conn)
	if len(set) == 0 {
		delete(p.members, k)
	}
}

func (p *PartyRegistry) Members(space domain.SpaceID, party string) []ConnID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.members[partyKey{space: space, party: party}]
	out := make([]ConnID, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the number of non-empty parties across all spaces.
func (p *PartyRegistry) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}
