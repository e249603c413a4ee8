package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innovationquest/pkg/types"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, frame := range f.frames {
		var env types.Envelope
		_ = json.Unmarshal(frame, &env)
		out = append(out, env.Type)
	}
	return out
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(testLogger())

	assert.Equal(t, ErrNilConnection, r.Register("ABC123", nil, false))
	assert.Equal(t, ErrInvalidRoomCode, r.Register("", newFakeConn("a"), false))
	assert.Equal(t, RegistryStats{}, r.GetStats())
}

func TestRegistry_RegisterAndTeacher(t *testing.T) {
	r := NewRegistry(testLogger())
	teacher := newFakeConn("teacher")
	student := newFakeConn("student")

	require.NoError(t, r.Register("ABC123", teacher, true))
	require.NoError(t, r.Register("ABC123", student, false))

	got, ok := r.Teacher("ABC123")
	require.True(t, ok)
	assert.Same(t, teacher, got)
	assert.Equal(t, 2, r.ConnectionCount("ABC123"))

	code, ok := r.RoomOf(student)
	require.True(t, ok)
	assert.Equal(t, "ABC123", code)

	assert.Equal(t, RegistryStats{TotalConnections: 2, ActiveRooms: 1, Teachers: 1}, r.GetStats())
}

func TestRegistry_TeacherOverwrite(t *testing.T) {
	r := NewRegistry(testLogger())
	first := newFakeConn("first")
	second := newFakeConn("second")

	require.NoError(t, r.Register("ABC123", first, true))
	require.NoError(t, r.Register("ABC123", second, true))

	got, _ := r.Teacher("ABC123")
	assert.Same(t, second, got)

	// The replaced teacher leaving does not clear the new one.
	r.Unregister(first)
	got, ok := r.Teacher("ABC123")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_RegisterMovesBetweenRooms(t *testing.T) {
	r := NewRegistry(testLogger())
	conn := newFakeConn("mover")

	require.NoError(t, r.Register("AAA111", conn, true))
	require.NoError(t, r.Register("BBB222", conn, false))

	assert.Equal(t, 0, r.ConnectionCount("AAA111"))
	assert.False(t, r.HasTeacher("AAA111"))
	assert.Equal(t, 1, r.ConnectionCount("BBB222"))
	assert.Equal(t, 1, r.GetStats().ActiveRooms)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(testLogger())
	teacher := newFakeConn("teacher")
	student := newFakeConn("student")
	require.NoError(t, r.Register("ABC123", teacher, true))
	require.NoError(t, r.Register("ABC123", student, false))

	code, ok := r.Unregister(teacher)
	assert.True(t, ok)
	assert.Equal(t, "ABC123", code)
	assert.False(t, r.HasTeacher("ABC123"))
	assert.Equal(t, 1, r.ConnectionCount("ABC123"))

	_, ok = r.Unregister(teacher)
	assert.False(t, ok, "second unregister is a no-op")

	r.Unregister(student)
	assert.Equal(t, RegistryStats{}, r.GetStats())
	assert.Empty(t, r.Connections("ABC123"))
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(testLogger())
	teacher := newFakeConn("teacher")
	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	outsider := newFakeConn("outsider")
	require.NoError(t, r.Register("ABC123", teacher, true))
	require.NoError(t, r.Register("ABC123", alice, false))
	require.NoError(t, r.Register("ABC123", bob, false))
	require.NoError(t, r.Register("ZZZ999", outsider, false))

	n := r.Broadcast("ABC123", types.ProblemBroadcast{Problem: "Reduce waste"}, teacher)
	assert.Equal(t, 2, n)

	assert.Empty(t, teacher.sentTypes())
	assert.Equal(t, []string{types.TypeProblemBroadcast}, alice.sentTypes())
	assert.Equal(t, []string{types.TypeProblemBroadcast}, bob.sentTypes())
	assert.Empty(t, outsider.sentTypes(), "other rooms are isolated")

	n = r.Broadcast("ABC123", types.NewRoundStarted{}, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{types.TypeNewRoundStarted}, teacher.sentTypes())
}

func TestRegistry_BroadcastPrunesClosed(t *testing.T) {
	r := NewRegistry(testLogger())
	alive := newFakeConn("alive")
	dead := newFakeConn("dead")
	require.NoError(t, r.Register("ABC123", alive, false))
	require.NoError(t, r.Register("ABC123", dead, true))
	_ = dead.Close()

	n := r.Broadcast("ABC123", types.NewRoundStarted{}, nil)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.ConnectionCount("ABC123"))
	assert.False(t, r.HasTeacher("ABC123"))
}

func TestRegistry_SendToTeacher(t *testing.T) {
	r := NewRegistry(testLogger())
	assert.False(t, r.SendToTeacher("ABC123", types.VotesUpdated{}), "no teacher is a no-op")

	teacher := newFakeConn("teacher")
	require.NoError(t, r.Register("ABC123", teacher, true))
	assert.True(t, r.SendToTeacher("ABC123", types.VotesUpdated{VoteCount: 1, TotalStudents: 2}))
	assert.Equal(t, []string{types.TypeVotesUpdated}, teacher.sentTypes())

	_ = teacher.Close()
	assert.False(t, r.SendToTeacher("ABC123", types.VotesUpdated{}))
	assert.False(t, r.HasTeacher("ABC123"))
}

func TestRegistry_Send(t *testing.T) {
	r := NewRegistry(testLogger())
	conn := newFakeConn("c")

	assert.Equal(t, ErrNilConnection, r.Send(nil, types.NewRoundStarted{}))
	require.NoError(t, r.Send(conn, types.RoomCreated{RoomCode: "ABC123"}))

	frames := conn.sentTypes()
	assert.Equal(t, []string{types.TypeRoomCreated}, frames)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i))
			room := fmt.Sprintf("ROOM%02d", i%5)
			_ = r.Register(room, conn, i%10 == 0)
			r.Broadcast(room, types.NewRoundStarted{}, conn)
			_ = r.GetStats()
			if i%2 == 0 {
				r.Unregister(conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.GetStats().TotalConnections)
}
