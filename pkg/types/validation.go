package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// RoomCodeLength is the number of characters in a room code.
const RoomCodeLength = 6

// RoomCodeAlphabet holds the characters room codes are drawn from.
const RoomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	maxNicknameLength    = 30
	maxProblemLength     = 2000
	maxNameLength        = 100
	maxTaglineLength     = 200
	maxDescriptionLength = 5000
)

var roomCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// IsValidRoomCode reports whether code has the room code shape.
func IsValidRoomCode(code string) bool {
	return roomCodeRegex.MatchString(code)
}

// NormalizeRoomCode trims and upper-cases a code typed by a user.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValid reports whether p is one of the defined phases.
func (p Phase) IsValid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePhase converts s into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", ErrInvalidPhase
	}
	return p, nil
}

// Validate normalizes the room code and nickname and checks them. A code
// of the wrong shape is left for the room lookup, which reports it as not
// found.
func (m *JoinRoom) Validate() error {
	m.RoomCode = NormalizeRoomCode(m.RoomCode)
	m.Nickname = strings.TrimSpace(m.Nickname)
	if m.RoomCode == "" {
		return ErrRoomCodeRequired
	}
	if m.Nickname == "" {
		return ErrNicknameRequired
	}
	if utf8.RuneCountInString(m.Nickname) > maxNicknameLength {
		return ErrNicknameTooLong
	}
	return nil
}

func (m *BroadcastProblem) Validate() error {
	m.Problem = strings.TrimSpace(m.Problem)
	if m.Problem == "" {
		return ErrProblemRequired
	}
	if utf8.RuneCountInString(m.Problem) > maxProblemLength {
		return ErrProblemTooLong
	}
	return nil
}

func (m *SubmitInvention) Validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Tagline = strings.TrimSpace(m.Tagline)
	if m.Name == "" {
		return ErrNameRequired
	}
	if utf8.RuneCountInString(m.Name) > maxNameLength {
		return ErrNameTooLong
	}
	if utf8.RuneCountInString(m.Tagline) > maxTaglineLength {
		return ErrTaglineTooLong
	}
	if utf8.RuneCountInString(m.Description) > maxDescriptionLength {
		return ErrDescriptionTooLong
	}
	// An empty drawing means the student left the canvas blank.
	if m.Drawing != nil && *m.Drawing == "" {
		m.Drawing = nil
	}
	return nil
}

func (m *SubmitVote) Validate() error {
	if m.InventionID <= 0 {
		return ErrInvalidInventionID
	}
	return nil
}

func (m *NextPhase) Validate() error {
	p, err := ParsePhase(string(m.Phase))
	if err != nil {
		return err
	}
	m.Phase = p
	return nil
}

func (m *CreateRoom) Validate() error { return nil }
func (m *StartVoting) Validate() error { return nil }
func (m *ShowResults) Validate() error { return nil }
func (m *NewRound) Validate() error { return nil }
