// Package session manages the room lifecycle on top of the store: code
// allocation, problem broadcast and phase transitions.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// DefaultCodeAttempts bounds how many random codes CreateRoom tries.
const DefaultCodeAttempts = 10

// CodeGenerator returns a candidate room code.
type CodeGenerator func() (string, error)

type Manager struct {
	store        interfaces.Store
	logger       *logrus.Entry
	generate     CodeGenerator
	codeAttempts int
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCodeGenerator replaces the random room code source.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(m *Manager) { m.generate = g }
}

// WithCodeAttempts sets how many codes CreateRoom tries before giving up.
func WithCodeAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.codeAttempts = n
		}
	}
}

func NewManager(store interfaces.Store, logger *logrus.Entry, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		logger:       logger,
		generate:     GenerateRoomCode,
		codeAttempts: DefaultCodeAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateRoomCode draws a code uniformly from the room code alphabet.
func GenerateRoomCode() (string, error) {
	size := big.NewInt(int64(len(types.RoomCodeAlphabet)))
	code := make([]byte, types.RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		code[i] = types.RoomCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// CreateRoom allocates an unused code and stores a new room in the setup
// phase. Colliding codes are retried.
func (m *Manager) CreateRoom(ctx context.Context) (*types.Room, error) {
	for attempt := 1; attempt <= m.codeAttempts; attempt++ {
		code, err := m.generate()
		if err != nil {
			return nil, err
		}

		room, err := m.store.CreateRoom(ctx, code, types.PhaseSetup, nil)
		if errors.Is(err, interfaces.ErrDuplicateRoomCode) {
			m.logger.WithFields(logrus.Fields{
				"room_code": code,
				"attempt":   attempt,
			}).Debug("room code collision")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}

		m.logger.WithField("room_code", room.Code).Info("room created")
		return room, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// GetRoom looks a room up by its (normalized) code.
func (m *Manager) GetRoom(ctx context.Context, code string) (*types.Room, error) {
	room, err := m.store.GetRoom(ctx, types.NormalizeRoomCode(code))
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	return room, nil
}

// SetProblem records the round's problem and opens the invention phase.
func (m *Manager) SetProblem(ctx context.Context, code, problem string) (*types.Room, error) {
	phase := types.PhaseInvention
	return m.update(ctx, code, types.RoomUpdate{Phase: &phase, Problem: &problem})
}

// Transition moves the room into phase without touching its problem.
func (m *Manager) Transition(ctx context.Context, code string, phase types.Phase) (*types.Room, error) {
	if !phase.IsValid() {
		return nil, ErrInvalidPhase
	}
	return m.update(ctx, code, types.RoomUpdate{Phase: &phase})
}

// ResetRound deletes the room's inventions and votes, clears the problem
// and returns the room to setup. Students stay in the room.
func (m *Manager) ResetRound(ctx context.Context, code string) (*types.Room, error) {
	room, err := m.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := m.store.ClearRound(ctx, room.ID); err != nil {
		return nil, fmt.Errorf("failed to clear round: %w", err)
	}

	phase := types.PhaseSetup
	return m.update(ctx, room.Code, types.RoomUpdate{Phase: &phase, ClearProblem: true})
}

func (m *Manager) update(ctx context.Context, code string, update types.RoomUpdate) (*types.Room, error) {
	room, err := m.store.UpdateRoom(ctx, types.NormalizeRoomCode(code), update)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"room_code": room.Code,
		"phase":     room.Phase,
	}).Debug("room updated")
	return room, nil
}
