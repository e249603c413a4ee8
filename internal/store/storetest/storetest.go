// Package storetest holds behaviour tests every Store backend must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) interfaces.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s interfaces.Store)
	}{
		{"Rooms", testRooms},
		{"DuplicateRoomCode", testDuplicateRoomCode},
		{"UpdateRoom", testUpdateRoom},
		{"Students", testStudents},
		{"NicknameUniquePerRoom", testNicknameUniquePerRoom},
		{"UpdateStudent", testUpdateStudent},
		{"RemoveStudent", testRemoveStudent},
		{"Inventions", testInventions},
		{"Votes", testVotes},
		{"RankingTieBreak", testRankingTieBreak},
		{"RankingUnknownAuthor", testRankingUnknownAuthor},
		{"ClearRound", testClearRound},
		{"Stats", testStats},
		{"ReturnedCopies", testReturnedCopies},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func strPtr(s string) *string { return &s }

func mustRoom(t *testing.T, s interfaces.Store, code string) *types.Room {
	t.Helper()
	room, err := s.CreateRoom(context.Background(), code, types.PhaseSetup, nil)
	require.NoError(t, err)
	return room
}

func mustStudent(t *testing.T, s interfaces.Store, roomID int64, nickname string) *types.Student {
	t.Helper()
	st, err := s.AddStudent(context.Background(), roomID, nickname, true)
	require.NoError(t, err)
	return st
}

func mustInvention(t *testing.T, s interfaces.Store, roomID, studentID int64, name string) *types.Invention {
	t.Helper()
	inv, err := s.AddInvention(context.Background(), types.InventionDraft{
		RoomID:    roomID,
		StudentID: studentID,
		Name:      name,
		Tagline:   name + " tagline",
	})
	require.NoError(t, err)
	return inv
}

func testRooms(t *testing.T, s interfaces.Store) {
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "ABC123", types.PhaseSetup, nil)
	require.NoError(t, err)
	assert.NotZero(t, room.ID)
	assert.Equal(t, "ABC123", room.Code)
	assert.Equal(t, types.PhaseSetup, room.Phase)
	assert.Nil(t, room.Problem)
	assert.False(t, room.CreatedAt.IsZero())

	got, err := s.GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, room.Code, got.Code)

	_, err = s.GetRoom(ctx, "ZZZ999")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	withProblem, err := s.CreateRoom(ctx, "DEF456", types.PhaseInvention, strPtr("Save the bees"))
	require.NoError(t, err)
	require.NotNil(t, withProblem.Problem)
	assert.Equal(t, "Save the bees", *withProblem.Problem)
	assert.Greater(t, withProblem.ID, room.ID)
}

func testDuplicateRoomCode(t *testing.T, s interfaces.Store) {
	mustRoom(t, s, "ABC123")
	_, err := s.CreateRoom(context.Background(), "ABC123", types.PhaseSetup, nil)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateRoomCode)
}

func testUpdateRoom(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	mustRoom(t, s, "ABC123")

	invention := types.PhaseInvention
	room, err := s.UpdateRoom(ctx, "ABC123", types.RoomUpdate{Phase: &invention, Problem: strPtr("Fix traffic")})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseInvention, room.Phase)
	require.NotNil(t, room.Problem)
	assert.Equal(t, "Fix traffic", *room.Problem)

	setup := types.PhaseSetup
	room, err = s.UpdateRoom(ctx, "ABC123", types.RoomUpdate{Phase: &setup, ClearProblem: true})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSetup, room.Phase)
	assert.Nil(t, room.Problem)

	reread, err := s.GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSetup, reread.Phase)
	assert.Nil(t, reread.Problem)

	_, err = s.UpdateRoom(ctx, "NOPE00", types.RoomUpdate{Phase: &setup})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testStudents(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	other := mustRoom(t, s, "DEF456")

	alice := mustStudent(t, s, room.ID, "Alice")
	bob := mustStudent(t, s, room.ID, "Bob")
	mustStudent(t, s, other.ID, "Carol")

	assert.Equal(t, room.ID, alice.RoomID)
	assert.True(t, alice.IsConnected)
	assert.Greater(t, bob.ID, alice.ID)

	students, err := s.GetStudentsByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "Alice", students[0].Nickname)
	assert.Equal(t, "Bob", students[1].Nickname)

	found, err := s.GetStudentByNickname(ctx, room.ID, "Bob")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, found.ID)

	_, err = s.GetStudentByNickname(ctx, room.ID, "Carol")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	empty, err := s.GetStudentsByRoom(ctx, 9999)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = s.AddStudent(ctx, 9999, "Nobody", true)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testNicknameUniquePerRoom(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	other := mustRoom(t, s, "DEF456")

	mustStudent(t, s, room.ID, "Alice")
	_, err := s.AddStudent(ctx, room.ID, "Alice", true)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateNickname)

	_, err = s.AddStudent(ctx, other.ID, "Alice", true)
	assert.NoError(t, err, "same nickname is allowed in another room")

	students, err := s.GetStudentsByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, students, 1)
}

func testUpdateStudent(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	alice := mustStudent(t, s, room.ID, "Alice")
	mustStudent(t, s, room.ID, "Bob")

	offline := false
	updated, err := s.UpdateStudent(ctx, alice.ID, types.StudentUpdate{IsConnected: &offline})
	require.NoError(t, err)
	assert.False(t, updated.IsConnected)
	assert.Equal(t, "Alice", updated.Nickname)

	_, err = s.UpdateStudent(ctx, alice.ID, types.StudentUpdate{Nickname: strPtr("Bob")})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateNickname)

	_, err = s.UpdateStudent(ctx, 9999, types.StudentUpdate{IsConnected: &offline})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testRemoveStudent(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	alice := mustStudent(t, s, room.ID, "Alice")

	require.NoError(t, s.RemoveStudent(ctx, alice.ID))
	assert.ErrorIs(t, s.RemoveStudent(ctx, alice.ID), interfaces.ErrNotFound)

	students, err := s.GetStudentsByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, students)

	// The nickname is free again.
	mustStudent(t, s, room.ID, "Alice")
}

func testInventions(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	alice := mustStudent(t, s, room.ID, "Alice")

	inv, err := s.AddInvention(ctx, types.InventionDraft{
		RoomID:      room.ID,
		StudentID:   alice.ID,
		Name:        "Bin",
		Tagline:     "Smart",
		Description: "Sorts trash",
		Drawing:     strPtr("data:image/png;base64,AAAA"),
	})
	require.NoError(t, err)
	assert.NotZero(t, inv.ID)
	assert.Equal(t, "Sorts trash", inv.Description)
	require.NotNil(t, inv.Drawing)
	assert.False(t, inv.CreatedAt.IsZero())

	plain := mustInvention(t, s, room.ID, alice.ID, "Lamp")
	assert.Nil(t, plain.Drawing)

	got, err := s.GetInventionByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bin", got.Name)
	require.NotNil(t, got.Drawing)
	assert.Equal(t, "data:image/png;base64,AAAA", *got.Drawing)

	list, err := s.GetInventionsByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Bin", list[0].Name)
	assert.Equal(t, "Lamp", list[1].Name)

	_, err = s.GetInventionByID(ctx, 9999)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testVotes(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	alice := mustStudent(t, s, room.ID, "Alice")
	bob := mustStudent(t, s, room.ID, "Bob")
	inv := mustInvention(t, s, room.ID, alice.ID, "Bin")

	_, err := s.GetVoteByStudent(ctx, room.ID, bob.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	vote, err := s.AddVote(ctx, room.ID, bob.ID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, vote.InventionID)
	assert.False(t, vote.CreatedAt.IsZero())

	got, err := s.GetVoteByStudent(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, vote.ID, got.ID)

	_, err = s.AddVote(ctx, room.ID, bob.ID, inv.ID)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateVote)

	_, err = s.AddVote(ctx, room.ID, alice.ID, 9999)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	votes, err := s.GetVotesByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 1)
}

func testRankingTieBreak(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	var voters []*types.Student
	for _, nick := range []string{"Ann", "Ben", "Cal", "Dee", "Eve"} {
		voters = append(voters, mustStudent(t, s, room.ID, nick))
	}

	a := mustInvention(t, s, room.ID, voters[0].ID, "A")
	b := mustInvention(t, s, room.ID, voters[1].ID, "B")
	c := mustInvention(t, s, room.ID, voters[2].ID, "C")

	// A=2, B=2, C=1
	for voter, target := range map[int]int64{1: a.ID, 2: a.ID, 0: b.ID, 3: b.ID, 4: c.ID} {
		_, err := s.AddVote(ctx, room.ID, voters[voter].ID, target)
		require.NoError(t, err)
	}

	results, err := s.GetRankedResults(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{results[0].Name, results[1].Name, results[2].Name})
	assert.Equal(t, []int{2, 2, 1}, []int{results[0].VoteCount, results[1].VoteCount, results[2].VoteCount})
	assert.Equal(t, "Ann", results[0].StudentNickname)

	other := mustRoom(t, s, "DEF456")
	none, err := s.GetRankedResults(ctx, other.ID)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testRankingUnknownAuthor(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	alice := mustStudent(t, s, room.ID, "Alice")
	bob := mustStudent(t, s, room.ID, "Bob")
	first := mustInvention(t, s, room.ID, alice.ID, "Bin")
	second := mustInvention(t, s, room.ID, bob.ID, "Lamp")

	_, err := s.AddVote(ctx, room.ID, alice.ID, second.ID)
	require.NoError(t, err)
	require.NoError(t, s.RemoveStudent(ctx, alice.ID))

	results, err := s.GetRankedResults(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, second.ID, results[0].ID)
	assert.Equal(t, 1, results[0].VoteCount)
	assert.Equal(t, "Bob", results[0].StudentNickname)
	assert.Equal(t, first.ID, results[1].ID)
	assert.Equal(t, 0, results[1].VoteCount)
	assert.Equal(t, types.UnknownNickname, results[1].StudentNickname)
}

func testClearRound(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ABC123")
	other := mustRoom(t, s, "DEF456")
	alice := mustStudent(t, s, room.ID, "Alice")
	bob := mustStudent(t, s, room.ID, "Bob")
	carol := mustStudent(t, s, other.ID, "Carol")

	inv := mustInvention(t, s, room.ID, alice.ID, "Bin")
	_, err := s.AddVote(ctx, room.ID, bob.ID, inv.ID)
	require.NoError(t, err)
	kept := mustInvention(t, s, other.ID, carol.ID, "Kite")

	require.NoError(t, s.ClearRound(ctx, room.ID))

	inventions, err := s.GetInventionsByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, inventions)
	votes, err := s.GetVotesByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)
	_, err = s.GetVoteByStudent(ctx, room.ID, bob.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	students, err := s.GetStudentsByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, students, 2)

	_, err = s.GetInventionByID(ctx, kept.ID)
	assert.NoError(t, err, "other rooms are untouched")

	// Bob may vote again in the next round.
	next := mustInvention(t, s, room.ID, alice.ID, "Bin 2")
	_, err = s.AddVote(ctx, room.ID, bob.ID, next.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.ClearRound(ctx, 9999), interfaces.ErrNotFound)
}

func testStats(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StoreStats{}, stats)

	room := mustRoom(t, s, "ABC123")
	alice := mustStudent(t, s, room.ID, "Alice")
	bob := mustStudent(t, s, room.ID, "Bob")
	inv := mustInvention(t, s, room.ID, alice.ID, "Bin")
	_, err = s.AddVote(ctx, room.ID, bob.ID, inv.ID)
	require.NoError(t, err)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StoreStats{Rooms: 1, Students: 2, Inventions: 1, Votes: 1}, stats)

	assert.NoError(t, s.HealthCheck(ctx))
}

func testReturnedCopies(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, "ABC123", types.PhaseSetup, strPtr("original"))
	require.NoError(t, err)

	*room.Problem = "mutated"
	room.Phase = types.PhaseResults

	reread, err := s.GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "original", *reread.Problem)
	assert.Equal(t, types.PhaseSetup, reread.Phase)
}
