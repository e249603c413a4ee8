package types

import (
	"errors"
	"fmt"
)

// Field validation errors. Their text is shown to clients as-is.
var (
	ErrRoomCodeRequired   = errors.New("Room code is required")
	ErrInvalidRoomCode    = errors.New("Room code must be 6 letters or digits")
	ErrNicknameRequired   = errors.New("Nickname is required")
	ErrNicknameTooLong    = errors.New("Nickname must be at most 30 characters")
	ErrProblemRequired    = errors.New("Problem is required")
	ErrProblemTooLong     = errors.New("Problem must be at most 2000 characters")
	ErrNameRequired       = errors.New("Invention name is required")
	ErrNameTooLong        = errors.New("Invention name must be at most 100 characters")
	ErrTaglineTooLong     = errors.New("Tagline must be at most 200 characters")
	ErrDescriptionTooLong = errors.New("Description must be at most 5000 characters")
	ErrInvalidInventionID = errors.New("Invention id must be a positive number")
	ErrInvalidPhase       = errors.New("Unknown phase")
)

// ErrInvalidEnvelope is returned when a frame is not a JSON envelope or
// its payload does not match the shape of its type.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

// UnknownTypeError is returned by DecodeInbound for a well-formed envelope
// whose type is not part of the protocol.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unrecognized message type: %s", e.Type)
}
