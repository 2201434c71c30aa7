package memory

import (
	"errors"
	"sync"

	"github.com/adwski/proximity-chat/backend/model"
)

var (
	ErrPeerExists   = errors.New("peer is already in roster")
	ErrPeerNotFound = errors.New("peer is not found")
)

// RosterStore keeps the authoritative peer roster of the hub.
type RosterStore struct {
	mx *sync.RWMutex
	db map[model.PeerID]model.PeerRecord
}

func NewRosterStore() *RosterStore {
	return &RosterStore{
		mx: &sync.RWMutex{},
		db: make(map[model.PeerID]model.PeerRecord),
	}
}

// Insert adds a peer with zero movement and returns the snapshot of all other peers
// taken atomically with the insertion.
func (rs *RosterStore) Insert(id model.PeerID, identity model.Identity) (model.Roster, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	if _, ok := rs.db[id]; ok {
		return nil, ErrPeerExists
	}
	others := make(model.Roster, len(rs.db))
	for pid, rec := range rs.db {
		others[pid] = rec
	}
	rs.db[id] = model.PeerRecord{
		ID:       id,
		Identity: identity,
	}
	return others, nil
}

func (rs *RosterStore) UpdateMovement(id model.PeerID, movement model.Movement) error {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	rec, ok := rs.db[id]
	if !ok {
		return ErrPeerNotFound
	}
	rec.Movement = movement
	rs.db[id] = rec
	return nil
}

// Remove deletes the peer and reports whether it was present.
func (rs *RosterStore) Remove(id model.PeerID) bool {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	_, ok := rs.db[id]
	delete(rs.db, id)
	return ok
}

func (rs *RosterStore) Get(id model.PeerID) (model.PeerRecord, error) {
	rs.mx.RLock()
	defer rs.mx.RUnlock()

	rec, ok := rs.db[id]
	if !ok {
		return model.PeerRecord{}, ErrPeerNotFound
	}
	return rec, nil
}

func (rs *RosterStore) Snapshot() model.Roster {
	rs.mx.RLock()
	defer rs.mx.RUnlock()

	roster := make(model.Roster, len(rs.db))
	for id, rec := range rs.db {
		roster[id] = rec
	}
	return roster
}
