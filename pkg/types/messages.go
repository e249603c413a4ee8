package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeCreateRoom       = "create_room"
	TypeJoinRoom         = "join_room"
	TypeBroadcastProblem = "broadcast_problem"
	TypeSubmitInvention  = "submit_invention"
	TypeStartVoting      = "start_voting"
	TypeSubmitVote       = "submit_vote"
	TypeShowResults      = "show_results"
	TypeNewRound         = "new_round"
	TypeNextPhase        = "next_phase"
)

// Outbound message types.
const (
	TypeConnectionEstablished   = "connection_established"
	TypeRoomCreated             = "room_created"
	TypeJoinedRoom              = "joined_room"
	TypeStudentsUpdated         = "students_updated"
	TypeProblemBroadcast        = "problem_broadcast"
	TypeProblemBroadcastSuccess = "problem_broadcast_success"
	TypeInventionSubmitted      = "invention_submitted"
	TypeInventionsUpdated       = "inventions_updated"
	TypeVotingStarted           = "voting_started"
	TypeVotingStartedSuccess    = "voting_started_success"
	TypeVoteSubmitted           = "vote_submitted"
	TypeVotesUpdated            = "votes_updated"
	TypeResultsReady            = "results_ready"
	TypeNewRoundStarted         = "new_round_started"
	TypePhaseChanged            = "phase_changed"
	TypeError                   = "error"
)

// Envelope is the wire frame shared by both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded client message. The set of implementations is closed.
type Inbound interface {
	InboundType() string
	Validate() error
	inbound()
}

// Outbound is a server message with a fixed wire type.
type Outbound interface {
	MessageType() string
}

type CreateRoom struct{}

type JoinRoom struct {
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
}

type BroadcastProblem struct {
	Problem string `json:"problem"`
}

type SubmitInvention struct {
	Name        string  `json:"name"`
	Tagline     string  `json:"tagline"`
	Description string  `json:"description"`
	Drawing     *string `json:"drawing,omitempty"`
}

type StartVoting struct{}

type SubmitVote struct {
	InventionID int64 `json:"inventionId"`
}

type ShowResults struct{}

type NewRound struct{}

// NextPhase moves the room to an explicit phase, for example pitch.
type NextPhase struct {
	Phase Phase `json:"phase"`
}

func (*CreateRoom) InboundType() string       { return TypeCreateRoom }
func (*JoinRoom) InboundType() string         { return TypeJoinRoom }
func (*BroadcastProblem) InboundType() string { return TypeBroadcastProblem }
func (*SubmitInvention) InboundType() string  { return TypeSubmitInvention }
func (*StartVoting) InboundType() string      { return TypeStartVoting }
func (*SubmitVote) InboundType() string       { return TypeSubmitVote }
func (*ShowResults) InboundType() string      { return TypeShowResults }
func (*NewRound) InboundType() string         { return TypeNewRound }
func (*NextPhase) InboundType() string        { return TypeNextPhase }

func (*CreateRoom) inbound()       {}
func (*JoinRoom) inbound()         {}
func (*BroadcastProblem) inbound() {}
func (*SubmitInvention) inbound()  {}
func (*StartVoting) inbound()      {}
func (*SubmitVote) inbound()       {}
func (*ShowResults) inbound()      {}
func (*NewRound) inbound()         {}
func (*NextPhase) inbound()        {}

func newInbound(msgType string) Inbound {
	switch msgType {
	case TypeCreateRoom:
		return &CreateRoom{}
	case TypeJoinRoom:
		return &JoinRoom{}
	case TypeBroadcastProblem:
		return &BroadcastProblem{}
	case TypeSubmitInvention:
		return &SubmitInvention{}
	case TypeStartVoting:
		return &StartVoting{}
	case TypeSubmitVote:
		return &SubmitVote{}
	case TypeShowResults:
		return &ShowResults{}
	case TypeNewRound:
		return &NewRound{}
	case TypeNextPhase:
		return &NextPhase{}
	default:
		return nil
	}
}

// DecodeInbound parses a client frame. It returns ErrInvalidEnvelope for
// frames that are not envelopes or whose data does not fit the type, and an
// *UnknownTypeError for types outside the protocol. Field rules are left to
// Validate.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}

	msg := newInbound(env.Type)
	if msg == nil {
		return nil, &UnknownTypeError{Type: env.Type}
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return msg, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, env.Type, err)
	}
	return msg, nil
}

// InventionWithAuthor is an invention annotated with its author's nickname.
type InventionWithAuthor struct {
	Invention
	StudentNickname string `json:"studentNickname"`
}

// VotingEntry is the trimmed invention shown on students' ballots.
type VotingEntry struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Tagline         string `json:"tagline"`
	StudentNickname string `json:"studentNickname"`
	StudentID       int64  `json:"studentId"`
}

type ConnectionEstablished struct{}

type RoomCreated struct {
	RoomCode string `json:"roomCode"`
}

type JoinedRoom struct {
	RoomCode     string  `json:"roomCode"`
	StudentID    int64   `json:"studentId"`
	CurrentPhase Phase   `json:"currentPhase"`
	Problem      *string `json:"problem"`
}

type StudentsUpdated struct {
	Students []Student `json:"students"`
}

type ProblemBroadcast struct {
	Problem string `json:"problem"`
}

type ProblemBroadcastSuccess struct {
	Problem string `json:"problem"`
}

type InventionSubmitted struct {
	Invention Invention `json:"invention"`
}

type InventionsUpdated struct {
	Inventions      []InventionWithAuthor `json:"inventions"`
	SubmissionCount int                   `json:"submissionCount"`
	TotalStudents   int                   `json:"totalStudents"`
}

type VotingStarted struct {
	Inventions []VotingEntry `json:"inventions"`
}

type VotingStartedSuccess struct{}

type VoteSubmitted struct {
	InventionID int64 `json:"inventionId"`
}

type VotesUpdated struct {
	VoteCount     int `json:"voteCount"`
	TotalStudents int `json:"totalStudents"`
}

type ResultsReady struct {
	Results []RankedResult `json:"results"`
}

type NewRoundStarted struct{}

type PhaseChanged struct {
	Phase Phase `json:"phase"`
}

// ErrorMessage is the payload of an error reply.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (ConnectionEstablished) MessageType() string   { return TypeConnectionEstablished }
func (RoomCreated) MessageType() string             { return TypeRoomCreated }
func (JoinedRoom) MessageType() string              { return TypeJoinedRoom }
func (StudentsUpdated) MessageType() string         { return TypeStudentsUpdated }
func (ProblemBroadcast) MessageType() string        { return TypeProblemBroadcast }
func (ProblemBroadcastSuccess) MessageType() string { return TypeProblemBroadcastSuccess }
func (InventionSubmitted) MessageType() string      { return TypeInventionSubmitted }
func (InventionsUpdated) MessageType() string       { return TypeInventionsUpdated }
func (VotingStarted) MessageType() string           { return TypeVotingStarted }
func (VotingStartedSuccess) MessageType() string    { return TypeVotingStartedSuccess }
func (VoteSubmitted) MessageType() string           { return TypeVoteSubmitted }
func (VotesUpdated) MessageType() string            { return TypeVotesUpdated }
func (ResultsReady) MessageType() string            { return TypeResultsReady }
func (NewRoundStarted) MessageType() string         { return TypeNewRoundStarted }
func (PhaseChanged) MessageType() string            { return TypePhaseChanged }
func (ErrorMessage) MessageType() string            { return TypeError }

// empty reports whether the message has no payload and is sent without data.
func empty(msg Outbound) bool {
	switch msg.(type) {
	case ConnectionEstablished, *ConnectionEstablished,
		VotingStartedSuccess, *VotingStartedSuccess,
		NewRoundStarted, *NewRoundStarted:
		return true
	}
	return false
}

// OutboundEnvelope is the wire form of an Outbound message.
type OutboundEnvelope struct {
	Type string   `json:"type"`
	Data Outbound `json:"data,omitempty"`
}

// Wrap puts msg into its envelope. Payload-less types carry no data field.
func Wrap(msg Outbound) OutboundEnvelope {
	env := OutboundEnvelope{Type: msg.MessageType()}
	if !empty(msg) {
		env.Data = msg
	}
	return env
}

// NewError builds an error reply.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Message: message}
}
