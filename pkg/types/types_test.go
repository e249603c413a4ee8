package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringPtr(s string) *string { return &s }

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{"create room without data", `{"type":"create_room"}`, &CreateRoom{}},
		{"create room with null data", `{"type":"create_room","data":null}`, &CreateRoom{}},
		{
			"join room",
			`{"type":"join_room","data":{"roomCode":"ABC123","nickname":"Alice"}}`,
			&JoinRoom{RoomCode: "ABC123", Nickname: "Alice"},
		},
		{
			"broadcast problem",
			`{"type":"broadcast_problem","data":{"problem":"Reduce waste"}}`,
			&BroadcastProblem{Problem: "Reduce waste"},
		},
		{
			"submit invention with drawing",
			`{"type":"submit_invention","data":{"name":"Bin","tagline":"Smart","description":"Sorts","drawing":"data:image/png;base64,AAAA"}}`,
			&SubmitInvention{Name: "Bin", Tagline: "Smart", Description: "Sorts", Drawing: stringPtr("data:image/png;base64,AAAA")},
		},
		{"submit vote", `{"type":"submit_vote","data":{"inventionId":7}}`, &SubmitVote{InventionID: 7}},
		{"start voting", `{"type":"start_voting"}`, &StartVoting{}},
		{"show results", `{"type":"show_results"}`, &ShowResults{}},
		{"new round", `{"type":"new_round"}`, &NewRound{}},
		{"next phase", `{"type":"next_phase","data":{"phase":"pitch"}}`, &NextPhase{Phase: PhasePitch}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.InboundType(), got.InboundType())
		})
	}
}

func TestDecodeInbound_Errors(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		_, err := DecodeInbound([]byte("hello"))
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"data":{}}`))
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("payload shape mismatch", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"type":"submit_vote","data":{"inventionId":"seven"}}`))
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"type":"dance"}`))
		var unknown *UnknownTypeError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "dance", unknown.Type)
		assert.False(t, errors.Is(err, ErrInvalidEnvelope))
	})
}

func TestJoinRoom_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     JoinRoom
		wantErr error
		code    string
		nick    string
	}{
		{"valid", JoinRoom{RoomCode: "ABC123", Nickname: "Alice"}, nil, "ABC123", "Alice"},
		{"normalizes", JoinRoom{RoomCode: " abc123 ", Nickname: "  Bob "}, nil, "ABC123", "Bob"},
		{"missing code", JoinRoom{Nickname: "Alice"}, ErrRoomCodeRequired, "", "Alice"},
		{"short code", JoinRoom{RoomCode: "zzz", Nickname: "Alice"}, nil, "ZZZ", "Alice"},
		{"bad characters", JoinRoom{RoomCode: "AB-123", Nickname: "Alice"}, nil, "AB-123", "Alice"},
		{"blank nickname", JoinRoom{RoomCode: "ABC123", Nickname: "   "}, ErrNicknameRequired, "ABC123", ""},
		{"long nickname", JoinRoom{RoomCode: "ABC123", Nickname: strings.Repeat("n", 31)}, ErrNicknameTooLong, "ABC123", strings.Repeat("n", 31)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			err := msg.Validate()
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.code, msg.RoomCode)
			assert.Equal(t, tt.nick, msg.Nickname)
		})
	}
}

func TestSubmitInvention_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     SubmitInvention
		wantErr error
	}{
		{"valid", SubmitInvention{Name: "Bin", Tagline: "Smart"}, nil},
		{"missing name", SubmitInvention{Tagline: "Smart"}, ErrNameRequired},
		{"long name", SubmitInvention{Name: strings.Repeat("x", 101)}, ErrNameTooLong},
		{"long tagline", SubmitInvention{Name: "Bin", Tagline: strings.Repeat("x", 201)}, ErrTaglineTooLong},
		{"long description", SubmitInvention{Name: "Bin", Description: strings.Repeat("x", 5001)}, ErrDescriptionTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			assert.Equal(t, tt.wantErr, msg.Validate())
		})
	}

	t.Run("blank drawing becomes nil", func(t *testing.T) {
		msg := SubmitInvention{Name: "Bin", Drawing: stringPtr("")}
		require.NoError(t, msg.Validate())
		assert.Nil(t, msg.Drawing)
	})
}

func TestOtherInbound_Validate(t *testing.T) {
	assert.Equal(t, ErrProblemRequired, (&BroadcastProblem{Problem: "  "}).Validate())
	assert.NoError(t, (&BroadcastProblem{Problem: "Save water"}).Validate())
	assert.Equal(t, ErrInvalidInventionID, (&SubmitVote{}).Validate())
	assert.NoError(t, (&SubmitVote{InventionID: 1}).Validate())

	next := &NextPhase{Phase: "PITCH"}
	require.NoError(t, next.Validate())
	assert.Equal(t, PhasePitch, next.Phase)
	assert.Equal(t, ErrInvalidPhase, (&NextPhase{Phase: "lunch"}).Validate())
}

func TestPhase(t *testing.T) {
	for _, p := range Phases {
		assert.True(t, p.IsValid(), p)
	}
	assert.False(t, Phase("").IsValid())

	p, err := ParsePhase(" Voting ")
	require.NoError(t, err)
	assert.Equal(t, PhaseVoting, p)
}

func TestRoomCode(t *testing.T) {
	assert.True(t, IsValidRoomCode("ABC123"))
	assert.False(t, IsValidRoomCode("abc123"))
	assert.False(t, IsValidRoomCode("ABC1234"))
	assert.Equal(t, "XYZ789", NormalizeRoomCode(" xyz789\n"))
	assert.Len(t, RoomCodeAlphabet, 36)
}

func TestRoomUpdate_Apply(t *testing.T) {
	room := Room{Phase: PhaseSetup}
	invention := PhaseInvention
	RoomUpdate{Phase: &invention, Problem: stringPtr("Fix traffic")}.Apply(&room)
	assert.Equal(t, PhaseInvention, room.Phase)
	require.NotNil(t, room.Problem)
	assert.Equal(t, "Fix traffic", *room.Problem)

	RoomUpdate{ClearProblem: true}.Apply(&room)
	assert.Nil(t, room.Problem)
	assert.Equal(t, PhaseInvention, room.Phase)
}

func TestStudentUpdate_Apply(t *testing.T) {
	student := Student{Nickname: "Alice", IsConnected: true}
	offline := false
	StudentUpdate{IsConnected: &offline}.Apply(&student)
	assert.False(t, student.IsConnected)
	assert.Equal(t, "Alice", student.Nickname)
}

func TestConnectionIdentity(t *testing.T) {
	var nilIdent *ConnectionIdentity
	assert.False(t, nilIdent.IsTeacherSession())
	assert.False(t, nilIdent.IsStudentSession())

	ident := &ConnectionIdentity{}
	assert.False(t, ident.IsTeacherSession())
	assert.False(t, ident.IsStudentSession())

	ident.RoomCode = "ABC123"
	ident.IsTeacher = true
	assert.True(t, ident.IsTeacherSession())
	assert.False(t, ident.IsStudentSession())

	ident.Reset()
	ident.RoomCode = "ABC123"
	ident.StudentID = 4
	assert.True(t, ident.IsStudentSession())
	assert.False(t, ident.IsTeacherSession())
}

func TestWrap(t *testing.T) {
	t.Run("payload-less types omit data", func(t *testing.T) {
		for _, msg := range []Outbound{ConnectionEstablished{}, VotingStartedSuccess{}, NewRoundStarted{}} {
			raw, err := json.Marshal(Wrap(msg))
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"`+msg.MessageType()+`"}`, string(raw))
		}
	})

	t.Run("error reply", func(t *testing.T) {
		raw, err := json.Marshal(Wrap(NewError("Room not found")))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"error","data":{"message":"Room not found"}}`, string(raw))
	})

	t.Run("joined room keeps null problem", func(t *testing.T) {
		raw, err := json.Marshal(Wrap(JoinedRoom{RoomCode: "ABC123", StudentID: 2, CurrentPhase: PhaseSetup}))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"joined_room","data":{"roomCode":"ABC123","studentId":2,"currentPhase":"setup","problem":null}}`, string(raw))
	})

	t.Run("ranked results are flattened", func(t *testing.T) {
		result := RankedResult{
			Invention:       Invention{ID: 3, RoomID: 1, StudentID: 2, Name: "Bin"},
			VoteCount:       4,
			StudentNickname: "Alice",
		}
		raw, err := json.Marshal(Wrap(ResultsReady{Results: []RankedResult{result}}))
		require.NoError(t, err)

		var decoded struct {
			Type string `json:"type"`
			Data struct {
				Results []map[string]interface{} `json:"results"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.Len(t, decoded.Data.Results, 1)
		assert.Equal(t, float64(3), decoded.Data.Results[0]["id"])
		assert.Equal(t, float64(4), decoded.Data.Results[0]["voteCount"])
		assert.Equal(t, "Alice", decoded.Data.Results[0]["studentNickname"])
		assert.Equal(t, "Bin", decoded.Data.Results[0]["name"])
	})

	t.Run("voting entries carry no description", func(t *testing.T) {
		raw, err := json.Marshal(Wrap(VotingStarted{Inventions: []VotingEntry{{ID: 1, Name: "Bin", Tagline: "Smart", StudentNickname: "Alice", StudentID: 2}}}))
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "description")
		assert.NotContains(t, string(raw), "drawing")
	})
}
