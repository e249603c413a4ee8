package interfaces

import (
	"context"

	"innovationquest/pkg/types"
)

// Store owns every room, student, invention and vote record.
//
// Lookups of a single record return ErrNotFound when it is absent. List
// operations return records in insertion order and never nil. Returned
// pointers are copies; mutating them has no effect on the store.
type Store interface {
	CreateRoom(ctx context.Context, code string, phase types.Phase, problem *string) (*types.Room, error)
	GetRoom(ctx context.Context, code string) (*types.Room, error)
	UpdateRoom(ctx context.Context, code string, update types.RoomUpdate) (*types.Room, error)

	// AddStudent returns ErrDuplicateNickname if the nickname is taken in the room.
	AddStudent(ctx context.Context, roomID int64, nickname string, connected bool) (*types.Student, error)
	GetStudentsByRoom(ctx context.Context, roomID int64) ([]types.Student, error)
	GetStudentByNickname(ctx context.Context, roomID int64, nickname string) (*types.Student, error)
	UpdateStudent(ctx context.Context, id int64, update types.StudentUpdate) (*types.Student, error)
	RemoveStudent(ctx context.Context, id int64) error

	AddInvention(ctx context.Context, draft types.InventionDraft) (*types.Invention, error)
	GetInventionsByRoom(ctx context.Context, roomID int64) ([]types.Invention, error)
	GetInventionByID(ctx context.Context, id int64) (*types.Invention, error)

	// AddVote returns ErrDuplicateVote if the student already voted in the room.
	AddVote(ctx context.Context, roomID, studentID, inventionID int64) (*types.Vote, error)
	GetVotesByRoom(ctx context.Context, roomID int64) ([]types.Vote, error)
	GetVoteByStudent(ctx context.Context, roomID, studentID int64) (*types.Vote, error)

	// GetRankedResults orders inventions by vote count, highest first.
	// Ties keep submission order.
	GetRankedResults(ctx context.Context, roomID int64) ([]types.RankedResult, error)

	// ClearRound deletes the room's inventions and votes. Students stay.
	ClearRound(ctx context.Context, roomID int64) error

	Stats(ctx context.Context) (types.StoreStats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
