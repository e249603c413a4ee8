package router

import "fmt"

// Kind classifies a protocol rejection.
type Kind int

const (
	KindMalformed Kind = iota
	KindUnrecognized
	KindNotFound
	KindConflict
	KindForbidden
	KindInvalidSession
	KindRateLimited
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnrecognized:
		return "unrecognized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindInvalidSession:
		return "invalid_session"
	case KindRateLimited:
		return "rate_limited"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a rejection reported to the originating connection. Message is
// sent to the client verbatim.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches another *Error of the same kind and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var (
	ErrInvalidFormat = newError(KindMalformed, "Invalid message format")
	ErrRateLimited   = newError(KindRateLimited, "Rate limit exceeded")
	ErrInternal      = newError(KindInternal, "Something went wrong, please try again")

	ErrRoomNotFound      = newError(KindNotFound, "Room not found")
	ErrInventionNotFound = newError(KindNotFound, "Invention not found")

	ErrNicknameTaken    = newError(KindConflict, "Nickname already taken")
	ErrAlreadySubmitted = newError(KindConflict, "You have already submitted an invention")
	ErrAlreadyVoted     = newError(KindConflict, "You have already voted")

	ErrSelfVote          = newError(KindForbidden, "You cannot vote for your own invention")
	ErrSubmissionsClosed = newError(KindForbidden, "Submissions are closed")
	ErrVotingClosed      = newError(KindForbidden, "Voting is not open")

	ErrTeacherOnlyBroadcast = newError(KindForbidden, "Only teachers can broadcast problems")
	ErrTeacherOnlyVoting    = newError(KindForbidden, "Only teachers can start voting")
	ErrTeacherOnlyResults   = newError(KindForbidden, "Only teachers can show results")
	ErrTeacherOnlyNewRound  = newError(KindForbidden, "Only teachers can start new rounds")
	ErrTeacherOnlyPhase     = newError(KindForbidden, "Only teachers can change the phase")
	ErrInvalidStudent       = newError(KindInvalidSession, "Invalid student session")
)

// unrecognized builds the reply for a message type outside the protocol.
func unrecognized(msgType string) *Error {
	return newError(KindUnrecognized, "Unrecognized message type: "+msgType)
}

// malformed wraps a field validation failure.
func malformed(err error) *Error {
	return newError(KindMalformed, err.Error())
}
