package types

import (
	"time"
)

// Phase is the stage a room's game is in. Phases advance in the order
// setup, invention, pitch, voting, results and wrap back to setup on a new round.
type Phase string

const (
	PhaseSetup     Phase = "setup"
	PhaseInvention Phase = "invention"
	PhasePitch     Phase = "pitch"
	PhaseVoting    Phase = "voting"
	PhaseResults   Phase = "results"
)

// Phases lists every phase in game order.
var Phases = []Phase{PhaseSetup, PhaseInvention, PhasePitch, PhaseVoting, PhaseResults}

// UnknownNickname is reported for submissions whose author record is gone.
const UnknownNickname = "Unknown"

// Room is one running game, addressed by its short join code.
type Room struct {
	ID        int64     `json:"id"`
	Code      string    `json:"roomCode"`
	Phase     Phase     `json:"phase"`
	Problem   *string   `json:"problem"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomUpdate is a partial update merged into a Room. Nil fields are left alone.
type RoomUpdate struct {
	Phase        *Phase
	Problem      *string
	ClearProblem bool
}

// Apply merges the update into r.
func (u RoomUpdate) Apply(r *Room) {
	if u.Phase != nil {
		r.Phase = *u.Phase
	}
	if u.ClearProblem {
		r.Problem = nil
	} else if u.Problem != nil {
		problem := *u.Problem
		r.Problem = &problem
	}
}

// Student is a participant who joined a room under a nickname.
type Student struct {
	ID          int64  `json:"id"`
	RoomID      int64  `json:"roomId"`
	Nickname    string `json:"nickname"`
	IsConnected bool   `json:"isConnected"`
}

// StudentUpdate is a partial update merged into a Student.
type StudentUpdate struct {
	Nickname    *string
	IsConnected *bool
}

// Apply merges the update into s.
func (u StudentUpdate) Apply(s *Student) {
	if u.Nickname != nil {
		s.Nickname = *u.Nickname
	}
	if u.IsConnected != nil {
		s.IsConnected = *u.IsConnected
	}
}

// Invention is a student's submission for the current problem.
// Drawing is an opaque image string produced by the client.
type Invention struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"roomId"`
	StudentID   int64     `json:"studentId"`
	Name        string    `json:"name"`
	Tagline     string    `json:"tagline"`
	Description string    `json:"description"`
	Drawing     *string   `json:"drawing"`
	CreatedAt   time.Time `json:"createdAt"`
}

// InventionDraft carries the fields needed to create an Invention.
type InventionDraft struct {
	RoomID      int64
	StudentID   int64
	Name        string
	Tagline     string
	Description string
	Drawing     *string
}

// Vote records one student's choice of invention.
type Vote struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"roomId"`
	StudentID   int64     `json:"studentId"`
	InventionID int64     `json:"inventionId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RankedResult is an invention with its tally and its author's nickname.
// The embedded Invention fields are flattened on the wire.
type RankedResult struct {
	Invention
	VoteCount       int    `json:"voteCount"`
	StudentNickname string `json:"studentNickname"`
}

// StoreStats reports record counts held by a store.
type StoreStats struct {
	Rooms      int `json:"rooms"`
	Students   int `json:"students"`
	Inventions int `json:"inventions"`
	Votes      int `json:"votes"`
}

// ConnectionIdentity is what the server knows about the party behind a
// connection. The transport owns it; only the protocol layer mutates it.
type ConnectionIdentity struct {
	RoomCode  string
	StudentID int64
	IsTeacher bool
}

// IsTeacherSession reports whether the identity is the teacher of a room.
func (i *ConnectionIdentity) IsTeacherSession() bool {
	return i != nil && i.IsTeacher && i.RoomCode != ""
}

// IsStudentSession reports whether the identity belongs to a joined student.
func (i *ConnectionIdentity) IsStudentSession() bool {
	return i != nil && !i.IsTeacher && i.RoomCode != "" && i.StudentID != 0
}

// Reset clears the identity.
func (i *ConnectionIdentity) Reset() {
	*i = ConnectionIdentity{}
}
