package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkInvariant verifies that every stored room has at least one member
// and no connection is in more than one room.
func checkInvariant(t *testing.T, ms *MemStore) {
	t.Helper()
	ms.mx.Lock()
	defer ms.mx.Unlock()

	seen := make(map[model.ConnID]string)
	for id, room := range ms.db {
		assert.NotEmpty(t, room, "room %s is empty", id)
		for member := range room {
			prev, dup := seen[member]
			assert.False(t, dup, "%s is in both %s and %s", member, prev, id)
			seen[member] = id
		}
	}
}

func TestMemStore_CreateRoom(t *testing.T) {
	ms := NewMemStore()

	deltas, err := ms.CreateRoom("r1", "a")
	require.NoError(t, err)
	assert.Empty(t, deltas)

	_, _, err = ms.Join("r1", "b")
	require.NoError(t, err)

	// re-creating replaces the membership with the creator only
	// and reports who was displaced
	deltas, err = ms.CreateRoom("r1", "c")
	require.NoError(t, err)
	assert.Equal(t, []model.RoomDelta{{RoomID: "r1", Remaining: []model.ConnID{"a", "b"}}}, deltas)
	room, err := ms.GetRoom("r1")
	require.NoError(t, err)
	assert.Equal(t, []model.ConnID{"c"}, room.Members)

	// a member re-creating its own room is not reported as displaced
	_, _, err = ms.Join("r1", "d")
	require.NoError(t, err)
	deltas, err = ms.CreateRoom("r1", "d")
	require.NoError(t, err)
	assert.Equal(t, []model.RoomDelta{{RoomID: "r1", Remaining: []model.ConnID{"c"}}}, deltas)

	deltas, err = ms.CreateRoom("r1", "d")
	require.NoError(t, err)
	assert.Empty(t, deltas)

	_, err = ms.CreateRoom("", "a")
	require.ErrorIs(t, err, ErrEmptyRoomID)
	checkInvariant(t, ms)
}

func TestMemStore_CreateRoomMovesCreator(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.CreateRoom("r1", "a")
	require.NoError(t, err)
	_, _, err = ms.Join("r1", "b")
	require.NoError(t, err)

	deltas, err := ms.CreateRoom("r2", "b")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "r1", deltas[0].RoomID)
	assert.Equal(t, []model.ConnID{"a"}, deltas[0].Remaining)
	checkInvariant(t, ms)
}

func TestMemStore_Join(t *testing.T) {
	ms := NewMemStore()

	_, _, err := ms.Join("missing", "a")
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = ms.GetRoom("missing")
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = ms.CreateRoom("r1", "a")
	require.NoError(t, err)

	others, deltas, err := ms.Join("r1", "b")
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Equal(t, []model.ConnID{"a"}, others)

	others, _, err = ms.Join("r1", "c")
	require.NoError(t, err)
	assert.Equal(t, []model.ConnID{"a", "b"}, others)

	// joining again does not duplicate and does not report itself
	others, _, err = ms.Join("r1", "c")
	require.NoError(t, err)
	assert.Equal(t, []model.ConnID{"a", "b"}, others)

	room, err := ms.GetRoom("r1")
	require.NoError(t, err)
	assert.Equal(t, []model.ConnID{"a", "b", "c"}, room.Members)
	checkInvariant(t, ms)
}

func TestMemStore_JoinMovesMember(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.CreateRoom("r1", "a")
	require.NoError(t, err)
	_, err = ms.CreateRoom("r2", "b")
	require.NoError(t, err)

	others, deltas, err := ms.Join("r2", "a")
	require.NoError(t, err)
	assert.Equal(t, []model.ConnID{"b"}, others)
	require.Len(t, deltas, 1)
	assert.Equal(t, model.RoomDelta{RoomID: "r1", Remaining: []model.ConnID{}}, deltas[0])

	_, err = ms.GetRoom("r1")
	require.ErrorIs(t, err, ErrRoomNotFound)
	checkInvariant(t, ms)
}

func TestMemStore_Leave(t *testing.T) {
	ms := NewMemStore()

	assert.Nil(t, ms.Leave("nobody"))

	_, err := ms.CreateRoom("r1", "a")
	require.NoError(t, err)
	_, _, err = ms.Join("r1", "b")
	require.NoError(t, err)

	deltas := ms.Leave("a")
	require.Len(t, deltas, 1)
	assert.Equal(t, []model.ConnID{"b"}, deltas[0].Remaining)

	deltas = ms.Leave("b")
	require.Len(t, deltas, 1)
	assert.Empty(t, deltas[0].Remaining)
	assert.Empty(t, ms.Rooms())

	// no observable effect on a second leave
	assert.Nil(t, ms.Leave("b"))
}

func TestMemStore_LeaveToleratesDuplicateMembership(t *testing.T) {
	ms := NewMemStore()
	ms.db["r1"] = map[model.ConnID]struct{}{"a": {}, "b": {}}
	ms.db["r2"] = map[model.ConnID]struct{}{"a": {}}

	deltas := ms.Leave("a")
	require.Len(t, deltas, 2)
	assert.Equal(t, "r1", deltas[0].RoomID)
	assert.Equal(t, []model.ConnID{"b"}, deltas[0].Remaining)
	assert.Equal(t, "r2", deltas[1].RoomID)
	assert.Empty(t, deltas[1].Remaining)
	assert.Equal(t, []model.Room{{ID: "r1", Members: []model.ConnID{"b"}}}, ms.Rooms())
}

func TestMemStore_IndependentRooms(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.CreateRoom("r1", "a")
	require.NoError(t, err)
	_, err = ms.CreateRoom("r2", "x")
	require.NoError(t, err)

	others, _, err := ms.Join("r1", "b")
	require.NoError(t, err)
	assert.NotContains(t, others, model.ConnID("x"))
	ms.Leave("a")

	room, err := ms.GetRoom("r2")
	require.NoError(t, err)
	assert.Equal(t, []model.ConnID{"x"}, room.Members)
	assert.True(t, ms.SharesRoom("b", "b"))
	assert.False(t, ms.SharesRoom("b", "x"))
}

func TestMemStore_ConcurrentJoinLeave(t *testing.T) {
	ms := NewMemStore()
	_, err := ms.CreateRoom("r1", "owner")
	require.NoError(t, err)

	const n = 100
	var (
		wg       sync.WaitGroup
		mx       sync.Mutex
		notified = make(map[model.ConnID]int)
	)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			id := model.ConnID(fmt.Sprintf("c%03d", i))
			others, _, jErr := ms.Join("r1", id)
			if jErr != nil {
				t.Error(jErr)
				return
			}
			mx.Lock()
			for _, o := range others {
				notified[o]++
			}
			mx.Unlock()
			if i%2 == 0 {
				ms.Leave(id)
			}
		}()
	}
	wg.Wait()

	room, err := ms.GetRoom("r1")
	require.NoError(t, err)
	assert.Len(t, room.Members, n/2+1)
	// the owner was present for every join and is reported exactly once per join
	assert.Equal(t, n, notified["owner"])
	checkInvariant(t, ms)
}
