// Package store provides the in-memory Store backend and shared store helpers.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// MemoryStore keeps every record in maps guarded by one RWMutex. IDs come
// from per-entity counters, so ID order is insertion order.
type MemoryStore struct {
	mu sync.RWMutex

	rooms      map[int64]*types.Room
	roomByCode map[string]int64
	students   map[int64]*types.Student
	inventions map[int64]*types.Invention
	votes      map[int64]*types.Vote

	nextRoomID      int64
	nextStudentID   int64
	nextInventionID int64
	nextVoteID      int64

	now func() time.Time
}

var _ interfaces.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:      make(map[int64]*types.Room),
		roomByCode: make(map[string]int64),
		students:   make(map[int64]*types.Student),
		inventions: make(map[int64]*types.Invention),
		votes:      make(map[int64]*types.Vote),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func copyRoom(r *types.Room) *types.Room {
	out := *r
	if r.Problem != nil {
		problem := *r.Problem
		out.Problem = &problem
	}
	return &out
}

func copyInvention(inv *types.Invention) types.Invention {
	out := *inv
	if inv.Drawing != nil {
		drawing := *inv.Drawing
		out.Drawing = &drawing
	}
	return out
}

// sortedIDs returns map keys in ascending order.
func sortedIDs[V any](m map[int64]V, keep func(V) bool) []int64 {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *MemoryStore) CreateRoom(ctx context.Context, code string, phase types.Phase, problem *string) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roomByCode[code]; exists {
		return nil, interfaces.ErrDuplicateRoomCode
	}

	s.nextRoomID++
	room := &types.Room{
		ID:        s.nextRoomID,
		Code:      code,
		Phase:     phase,
		CreatedAt: s.now(),
	}
	if problem != nil {
		p := *problem
		room.Problem = &p
	}
	s.rooms[room.ID] = room
	s.roomByCode[code] = room.ID
	return copyRoom(room), nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, code string) (*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.roomByCode[code]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyRoom(s.rooms[id]), nil
}

func (s *MemoryStore) UpdateRoom(ctx context.Context, code string, update types.RoomUpdate) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.roomByCode[code]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	room := s.rooms[id]
	update.Apply(room)
	return copyRoom(room), nil
}

func (s *MemoryStore) AddStudent(ctx context.Context, roomID int64, nickname string, connected bool) (*types.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, interfaces.ErrNotFound
	}
	for _, st := range s.students {
		if st.RoomID == roomID && st.Nickname == nickname {
			return nil, interfaces.ErrDuplicateNickname
		}
	}

	s.nextStudentID++
	student := &types.Student{
		ID:          s.nextStudentID,
		RoomID:      roomID,
		Nickname:    nickname,
		IsConnected: connected,
	}
	s.students[student.ID] = student
	out := *student
	return &out, nil
}

func (s *MemoryStore) GetStudentsByRoom(ctx context.Context, roomID int64) ([]types.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := sortedIDs(s.students, func(st *types.Student) bool { return st.RoomID == roomID })
	out := make([]types.Student, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.students[id])
	}
	return out, nil
}

func (s *MemoryStore) GetStudentByNickname(ctx context.Context, roomID int64, nickname string) (*types.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.students {
		if st.RoomID == roomID && st.Nickname == nickname {
			out := *st
			return &out, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemoryStore) UpdateStudent(ctx context.Context, id int64, update types.StudentUpdate) (*types.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	student, ok := s.students[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	if update.Nickname != nil && *update.Nickname != student.Nickname {
		for _, other := range s.students {
			if other.RoomID == student.RoomID && other.Nickname == *update.Nickname {
				return nil, interfaces.ErrDuplicateNickname
			}
		}
	}
	update.Apply(student)
	out := *student
	return &out, nil
}

func (s *MemoryStore) RemoveStudent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.students[id]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.students, id)
	return nil
}

func (s *MemoryStore) AddInvention(ctx context.Context, draft types.InventionDraft) (*types.Invention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[draft.RoomID]; !ok {
		return nil, interfaces.ErrNotFound
	}

	s.nextInventionID++
	inv := &types.Invention{
		ID:          s.nextInventionID,
		RoomID:      draft.RoomID,
		StudentID:   draft.StudentID,
		Name:        draft.Name,
		Tagline:     draft.Tagline,
		Description: draft.Description,
		CreatedAt:   s.now(),
	}
	if draft.Drawing != nil {
		drawing := *draft.Drawing
		inv.Drawing = &drawing
	}
	s.inventions[inv.ID] = inv
	out := copyInvention(inv)
	return &out, nil
}

func (s *MemoryStore) GetInventionsByRoom(ctx context.Context, roomID int64) ([]types.Invention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := sortedIDs(s.inventions, func(inv *types.Invention) bool { return inv.RoomID == roomID })
	out := make([]types.Invention, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyInvention(s.inventions[id]))
	}
	return out, nil
}

func (s *MemoryStore) GetInventionByID(ctx context.Context, id int64) (*types.Invention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.inventions[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := copyInvention(inv)
	return &out, nil
}

func (s *MemoryStore) AddVote(ctx context.Context, roomID, studentID, inventionID int64) (*types.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, interfaces.ErrNotFound
	}
	if _, ok := s.inventions[inventionID]; !ok {
		return nil, interfaces.ErrNotFound
	}
	for _, v := range s.votes {
		if v.RoomID == roomID && v.StudentID == studentID {
			return nil, interfaces.ErrDuplicateVote
		}
	}

	s.nextVoteID++
	vote := &types.Vote{
		ID:          s.nextVoteID,
		RoomID:      roomID,
		StudentID:   studentID,
		InventionID: inventionID,
		CreatedAt:   s.now(),
	}
	s.votes[vote.ID] = vote
	out := *vote
	return &out, nil
}

func (s *MemoryStore) GetVotesByRoom(ctx context.Context, roomID int64) ([]types.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := sortedIDs(s.votes, func(v *types.Vote) bool { return v.RoomID == roomID })
	out := make([]types.Vote, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.votes[id])
	}
	return out, nil
}

func (s *MemoryStore) GetVoteByStudent(ctx context.Context, roomID, studentID int64) (*types.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.votes {
		if v.RoomID == roomID && v.StudentID == studentID {
			out := *v
			return &out, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemoryStore) GetRankedResults(ctx context.Context, roomID int64) ([]types.RankedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int)
	for _, v := range s.votes {
		if v.RoomID == roomID {
			counts[v.InventionID]++
		}
	}

	ids := sortedIDs(s.inventions, func(inv *types.Invention) bool { return inv.RoomID == roomID })
	results := make([]types.RankedResult, 0, len(ids))
	for _, id := range ids {
		inv := s.inventions[id]
		nickname := types.UnknownNickname
		if st, ok := s.students[inv.StudentID]; ok {
			nickname = st.Nickname
		}
		results = append(results, types.RankedResult{
			Invention:       copyInvention(inv),
			VoteCount:       counts[id],
			StudentNickname: nickname,
		})
	}
	RankResults(results)
	return results, nil
}

func (s *MemoryStore) ClearRound(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return interfaces.ErrNotFound
	}
	for id, v := range s.votes {
		if v.RoomID == roomID {
			delete(s.votes, id)
		}
	}
	for id, inv := range s.inventions {
		if inv.RoomID == roomID {
			delete(s.inventions, id)
		}
	}
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.StoreStats{
		Rooms:      len(s.rooms),
		Students:   len(s.students),
		Inventions: len(s.inventions),
		Votes:      len(s.votes),
	}, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
