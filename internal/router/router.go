// Package router implements the room protocol. It decodes each inbound
// frame, checks it against the sender's identity and the room's phase,
// mutates the store and fans the result out through the registry.
//
// Every method runs on the hub goroutine, so a handler sees the effects of
// all earlier events and none of its work interleaves with another's.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"innovationquest/internal/session"
	"innovationquest/internal/websocket"
	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

type Router struct {
	store    interfaces.Store
	sessions *session.Manager
	registry *websocket.Registry
	limiter  *RateLimiter
	logger   *logrus.Entry
}

func NewRouter(store interfaces.Store, sessions *session.Manager, registry *websocket.Registry, limiter *RateLimiter, logger *logrus.Entry) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Router{
		store:    store,
		sessions: sessions,
		registry: registry,
		limiter:  limiter,
		logger:   logger,
	}
}

// HandleMessage processes one inbound frame. Rejections are reported to
// conn as an error event; the connection stays open.
func (r *Router) HandleMessage(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, payload []byte) {
	log := r.logger.WithField("conn_id", conn.ID())

	if !r.limiter.Allow(conn.ID()) {
		r.reject(conn, log, ErrRateLimited)
		return
	}

	msg, err := types.DecodeInbound(payload)
	if err != nil {
		var unknown *types.UnknownTypeError
		if errors.As(err, &unknown) {
			r.reject(conn, log.WithField("type", unknown.Type), unrecognized(unknown.Type))
			return
		}
		log.WithError(err).Debug("undecodable frame")
		r.reject(conn, log, ErrInvalidFormat)
		return
	}

	log = log.WithField("type", msg.InboundType())
	if ident.RoomCode != "" {
		log = log.WithField("room_code", ident.RoomCode)
	}

	if err := msg.Validate(); err != nil {
		r.reject(conn, log, malformed(err))
		return
	}

	if err := r.dispatch(ctx, conn, ident, msg); err != nil {
		r.reject(conn, log, err)
		return
	}
	log.Debug("event handled")
}

func (r *Router) dispatch(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, msg types.Inbound) error {
	switch m := msg.(type) {
	case *types.CreateRoom:
		return r.createRoom(ctx, conn, ident)
	case *types.JoinRoom:
		return r.joinRoom(ctx, conn, ident, m)
	case *types.BroadcastProblem:
		return r.broadcastProblem(ctx, conn, ident, m)
	case *types.SubmitInvention:
		return r.submitInvention(ctx, conn, ident, m)
	case *types.StartVoting:
		return r.startVoting(ctx, conn, ident)
	case *types.SubmitVote:
		return r.submitVote(ctx, conn, ident, m)
	case *types.ShowResults:
		return r.showResults(ctx, ident)
	case *types.NewRound:
		return r.newRound(ctx, ident)
	case *types.NextPhase:
		return r.nextPhase(ctx, ident, m)
	default:
		return unrecognized(msg.InboundType())
	}
}

// HandleDisconnect removes conn from its room. A departing student is marked
// offline and the teacher gets the new roster.
func (r *Router) HandleDisconnect(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity) {
	r.limiter.Forget(conn.ID())
	r.detach(ctx, conn, ident)
}

func (r *Router) reject(conn interfaces.Connection, log *logrus.Entry, err error) {
	var perr *Error
	if errors.As(err, &perr) {
		log.WithField("kind", perr.Kind).Debugf("rejected: %s", perr.Message)
	} else {
		log.WithError(err).Error("event failed")
		perr = ErrInternal
	}

	if sendErr := r.registry.Send(conn, types.NewError(perr.Message)); sendErr != nil {
		log.WithError(sendErr).Warn("failed to send error reply")
	}
}

// detach unbinds conn from whatever room it was in and clears ident.
func (r *Router) detach(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity) {
	r.registry.Unregister(conn)
	defer ident.Reset()

	if !ident.IsStudentSession() {
		return
	}

	log := r.logger.WithFields(logrus.Fields{
		"conn_id":    conn.ID(),
		"room_code":  ident.RoomCode,
		"student_id": ident.StudentID,
	})

	offline := false
	_, err := r.store.UpdateStudent(ctx, ident.StudentID, types.StudentUpdate{IsConnected: &offline})
	if errors.Is(err, interfaces.ErrNotFound) {
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to mark student offline")
		return
	}
	log.Info("student disconnected")

	room, err := r.sessions.GetRoom(ctx, ident.RoomCode)
	if err != nil {
		log.WithError(err).Warn("room for departing student not found")
		return
	}
	if err := r.notifyRoster(ctx, room); err != nil {
		log.WithError(err).Error("failed to send roster")
	}
}

func (r *Router) createRoom(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity) error {
	room, err := r.sessions.CreateRoom(ctx)
	if err != nil {
		return err
	}

	r.detach(ctx, conn, ident)
	if err := r.registry.Register(room.Code, conn, true); err != nil {
		return fmt.Errorf("failed to register teacher: %w", err)
	}
	*ident = types.ConnectionIdentity{RoomCode: room.Code, IsTeacher: true}

	r.logger.WithFields(logrus.Fields{"conn_id": conn.ID(), "room_code": room.Code}).Info("teacher opened room")
	r.send(conn, types.RoomCreated{RoomCode: room.Code})
	return nil
}

func (r *Router) joinRoom(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, m *types.JoinRoom) error {
	room, err := r.room(ctx, m.RoomCode)
	if err != nil {
		return err
	}

	_, err = r.store.GetStudentByNickname(ctx, room.ID, m.Nickname)
	if err == nil {
		return ErrNicknameTaken
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("failed to check nickname: %w", err)
	}

	r.detach(ctx, conn, ident)

	student, err := r.store.AddStudent(ctx, room.ID, m.Nickname, true)
	if errors.Is(err, interfaces.ErrDuplicateNickname) {
		return ErrNicknameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to add student: %w", err)
	}

	if err := r.registry.Register(room.Code, conn, false); err != nil {
		return fmt.Errorf("failed to register student: %w", err)
	}
	*ident = types.ConnectionIdentity{RoomCode: room.Code, StudentID: student.ID}

	r.logger.WithFields(logrus.Fields{
		"conn_id":    conn.ID(),
		"room_code":  room.Code,
		"student_id": student.ID,
	}).Info("student joined")

	r.send(conn, types.JoinedRoom{
		RoomCode:     room.Code,
		StudentID:    student.ID,
		CurrentPhase: room.Phase,
		Problem:      room.Problem,
	})
	return r.notifyRoster(ctx, room)
}

func (r *Router) broadcastProblem(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, m *types.BroadcastProblem) error {
	if !ident.IsTeacherSession() {
		return ErrTeacherOnlyBroadcast
	}

	room, err := r.sessions.SetProblem(ctx, ident.RoomCode, m.Problem)
	if err != nil {
		return roomErr(err)
	}

	r.registry.Broadcast(room.Code, types.ProblemBroadcast{Problem: m.Problem}, conn)
	r.send(conn, types.ProblemBroadcastSuccess{Problem: m.Problem})
	return nil
}

func (r *Router) submitInvention(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, m *types.SubmitInvention) error {
	room, err := r.studentRoom(ctx, ident)
	if err != nil {
		return err
	}
	if room.Phase != types.PhaseInvention {
		return ErrSubmissionsClosed
	}

	existing, err := r.store.GetInventionsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load inventions: %w", err)
	}
	for _, inv := range existing {
		if inv.StudentID == ident.StudentID {
			return ErrAlreadySubmitted
		}
	}

	invention, err := r.store.AddInvention(ctx, types.InventionDraft{
		RoomID:      room.ID,
		StudentID:   ident.StudentID,
		Name:        m.Name,
		Tagline:     m.Tagline,
		Description: m.Description,
		Drawing:     m.Drawing,
	})
	if err != nil {
		return fmt.Errorf("failed to add invention: %w", err)
	}

	r.send(conn, types.InventionSubmitted{Invention: *invention})

	inventions, err := r.store.GetInventionsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load inventions: %w", err)
	}
	students, err := r.store.GetStudentsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load students: %w", err)
	}

	nicknames := nicknamesByID(students)
	withAuthor := make([]types.InventionWithAuthor, 0, len(inventions))
	for _, inv := range inventions {
		withAuthor = append(withAuthor, types.InventionWithAuthor{
			Invention:       inv,
			StudentNickname: nicknameOf(nicknames, inv.StudentID),
		})
	}

	r.registry.SendToTeacher(room.Code, types.InventionsUpdated{
		Inventions:      withAuthor,
		SubmissionCount: len(inventions),
		TotalStudents:   len(students),
	})
	return nil
}

func (r *Router) startVoting(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity) error {
	if !ident.IsTeacherSession() {
		return ErrTeacherOnlyVoting
	}

	room, err := r.sessions.Transition(ctx, ident.RoomCode, types.PhaseVoting)
	if err != nil {
		return roomErr(err)
	}

	inventions, err := r.store.GetInventionsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load inventions: %w", err)
	}
	students, err := r.store.GetStudentsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load students: %w", err)
	}

	nicknames := nicknamesByID(students)
	ballot := make([]types.VotingEntry, 0, len(inventions))
	for _, inv := range inventions {
		ballot = append(ballot, types.VotingEntry{
			ID:              inv.ID,
			Name:            inv.Name,
			Tagline:         inv.Tagline,
			StudentNickname: nicknameOf(nicknames, inv.StudentID),
			StudentID:       inv.StudentID,
		})
	}

	r.registry.Broadcast(room.Code, types.VotingStarted{Inventions: ballot}, conn)
	r.send(conn, types.VotingStartedSuccess{})
	return nil
}

func (r *Router) submitVote(ctx context.Context, conn interfaces.Connection, ident *types.ConnectionIdentity, m *types.SubmitVote) error {
	room, err := r.studentRoom(ctx, ident)
	if err != nil {
		return err
	}
	if room.Phase != types.PhaseVoting {
		return ErrVotingClosed
	}

	_, err = r.store.GetVoteByStudent(ctx, room.ID, ident.StudentID)
	if err == nil {
		return ErrAlreadyVoted
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("failed to check vote: %w", err)
	}

	invention, err := r.store.GetInventionByID(ctx, m.InventionID)
	if errors.Is(err, interfaces.ErrNotFound) || (err == nil && invention.RoomID != room.ID) {
		return ErrInventionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load invention: %w", err)
	}
	if invention.StudentID == ident.StudentID {
		return ErrSelfVote
	}

	_, err = r.store.AddVote(ctx, room.ID, ident.StudentID, invention.ID)
	if errors.Is(err, interfaces.ErrDuplicateVote) {
		return ErrAlreadyVoted
	}
	if err != nil {
		return fmt.Errorf("failed to add vote: %w", err)
	}

	r.send(conn, types.VoteSubmitted{InventionID: invention.ID})

	votes, err := r.store.GetVotesByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load votes: %w", err)
	}
	students, err := r.store.GetStudentsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load students: %w", err)
	}

	r.registry.SendToTeacher(room.Code, types.VotesUpdated{
		VoteCount:     len(votes),
		TotalStudents: len(students),
	})
	return nil
}

func (r *Router) showResults(ctx context.Context, ident *types.ConnectionIdentity) error {
	if !ident.IsTeacherSession() {
		return ErrTeacherOnlyResults
	}

	room, err := r.sessions.Transition(ctx, ident.RoomCode, types.PhaseResults)
	if err != nil {
		return roomErr(err)
	}

	results, err := r.store.GetRankedResults(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to rank results: %w", err)
	}

	r.registry.Broadcast(room.Code, types.ResultsReady{Results: results}, nil)
	return nil
}

func (r *Router) newRound(ctx context.Context, ident *types.ConnectionIdentity) error {
	if !ident.IsTeacherSession() {
		return ErrTeacherOnlyNewRound
	}

	room, err := r.sessions.ResetRound(ctx, ident.RoomCode)
	if err != nil {
		return roomErr(err)
	}

	r.registry.Broadcast(room.Code, types.NewRoundStarted{}, nil)
	return nil
}

func (r *Router) nextPhase(ctx context.Context, ident *types.ConnectionIdentity, m *types.NextPhase) error {
	if !ident.IsTeacherSession() {
		return ErrTeacherOnlyPhase
	}

	room, err := r.sessions.Transition(ctx, ident.RoomCode, m.Phase)
	if err != nil {
		return roomErr(err)
	}

	r.registry.Broadcast(room.Code, types.PhaseChanged{Phase: room.Phase}, nil)
	return nil
}

// room loads a room by code, mapping absence to ErrRoomNotFound.
func (r *Router) room(ctx context.Context, code string) (*types.Room, error) {
	room, err := r.sessions.GetRoom(ctx, code)
	if err != nil {
		return nil, roomErr(err)
	}
	return room, nil
}

func (r *Router) studentRoom(ctx context.Context, ident *types.ConnectionIdentity) (*types.Room, error) {
	if !ident.IsStudentSession() {
		return nil, ErrInvalidStudent
	}
	return r.room(ctx, ident.RoomCode)
}

func (r *Router) notifyRoster(ctx context.Context, room *types.Room) error {
	students, err := r.store.GetStudentsByRoom(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to load students: %w", err)
	}
	r.registry.SendToTeacher(room.Code, types.StudentsUpdated{Students: students})
	return nil
}

// send replies to conn. A closed connection does not fail the event.
func (r *Router) send(conn interfaces.Connection, msg types.Outbound) {
	if err := r.registry.Send(conn, msg); err != nil {
		r.logger.WithFields(logrus.Fields{
			"conn_id": conn.ID(),
			"type":    msg.MessageType(),
		}).WithError(err).Warn("reply not delivered")
	}
}

func roomErr(err error) error {
	if errors.Is(err, session.ErrRoomNotFound) {
		return ErrRoomNotFound
	}
	return err
}

func nicknamesByID(students []types.Student) map[int64]string {
	out := make(map[int64]string, len(students))
	for _, s := range students {
		out[s.ID] = s.Nickname
	}
	return out
}

func nicknameOf(nicknames map[int64]string, id int64) string {
	if n, ok := nicknames[id]; ok {
		return n
	}
	return types.UnknownNickname
}
