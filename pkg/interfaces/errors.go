package interfaces

import "errors"

// Store errors shared by every backend.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateNickname = errors.New("nickname already taken in room")
	ErrDuplicateRoomCode = errors.New("room code already in use")
	ErrDuplicateVote     = errors.New("student already voted in room")
)
