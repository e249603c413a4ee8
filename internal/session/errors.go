package session

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrInvalidPhase       = errors.New("invalid phase")
	ErrCodeSpaceExhausted = errors.New("could not allocate a free room code")
)
