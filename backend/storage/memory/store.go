package memory

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrEmptyRoomID  = errors.New("room id is empty")
)

// MemStore is the authoritative room registry. Every mutation holds mx,
// so concurrent joins and leaves always resolve to some serial order.
type MemStore struct {
	mx *sync.Mutex
	db map[string]map[model.ConnID]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]map[model.ConnID]struct{}),
	}
}

// CreateRoom (re)creates roomID with creator as its only member.
// If creator belonged to other rooms it is removed from them first.
// The returned deltas describe those rooms and, when roomID already
// existed, the members it displaced from roomID.
func (ms *MemStore) CreateRoom(roomID string, creator model.ConnID) ([]model.RoomDelta, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	deltas := ms.leave(creator, roomID)
	if old, ok := ms.db[roomID]; ok {
		delete(old, creator)
		if len(old) > 0 {
			deltas = append(deltas, model.RoomDelta{RoomID: roomID, Remaining: sortedMembers(old)})
			slices.SortFunc(deltas, func(a, b model.RoomDelta) int { return cmp.Compare(a.RoomID, b.RoomID) })
		}
	}
	ms.db[roomID] = map[model.ConnID]struct{}{creator: {}}
	return deltas, nil
}

// Join adds conn to an existing room and returns the members that were
// already there. Memberships in other rooms are dropped and reported as deltas.
func (ms *MemStore) Join(roomID string, conn model.ConnID) ([]model.ConnID, []model.RoomDelta, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	deltas := ms.leave(conn, roomID)

	others := make([]model.ConnID, 0, len(room))
	for member := range room {
		if member != conn {
			others = append(others, member)
		}
	}
	room[conn] = struct{}{}
	slices.Sort(others)
	return others, deltas, nil
}

// Leave removes conn from every room it is found in and deletes rooms left empty.
func (ms *MemStore) Leave(conn model.ConnID) []model.RoomDelta {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.leave(conn, "")
}

func (ms *MemStore) leave(conn model.ConnID, except string) []model.RoomDelta {
	var deltas []model.RoomDelta
	for roomID, room := range ms.db {
		if roomID == except {
			continue
		}
		if _, ok := room[conn]; !ok {
			continue
		}
		delete(room, conn)
		if len(room) == 0 {
			delete(ms.db, roomID)
		}
		deltas = append(deltas, model.RoomDelta{
			RoomID:    roomID,
			Remaining: sortedMembers(room),
		})
	}
	slices.SortFunc(deltas, func(a, b model.RoomDelta) int { return cmp.Compare(a.RoomID, b.RoomID) })
	return deltas
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &model.Room{ID: roomID, Members: sortedMembers(room)}, nil
}

// Rooms returns a snapshot of every room.
func (ms *MemStore) Rooms() []model.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.Room, 0, len(ms.db))
	for id, room := range ms.db {
		rooms = append(rooms, model.Room{ID: id, Members: sortedMembers(room)})
	}
	slices.SortFunc(rooms, func(a, b model.Room) int { return cmp.Compare(a.ID, b.ID) })
	return rooms
}

func (ms *MemStore) RoomCount() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return len(ms.db)
}

// SharesRoom reports whether a and b are members of a common room.
func (ms *MemStore) SharesRoom(a, b model.ConnID) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	for _, room := range ms.db {
		_, okA := room[a]
		_, okB := room[b]
		if okA && okB {
			return true
		}
	}
	return false
}

func sortedMembers(room map[model.ConnID]struct{}) []model.ConnID {
	members := make([]model.ConnID, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}
