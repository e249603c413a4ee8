package websocket

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

// Registry tracks which connections are in which room and which one is
// the room's teacher. Only connection bookkeeping lives here; rooms
// themselves are in the store.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[interfaces.Connection]struct{}
	teachers map[string]interfaces.Connection
	roomOf   map[interfaces.Connection]string
	logger   *logrus.Entry
}

// RegistryStats is reported by the health and stats endpoints.
type RegistryStats struct {
	TotalConnections int `json:"totalConnections"`
	ActiveRooms      int `json:"activeRooms"`
	Teachers         int `json:"teachers"`
}

func NewRegistry(logger *logrus.Entry) *Registry {
	return &Registry{
		rooms:    make(map[string]map[interfaces.Connection]struct{}),
		teachers: make(map[string]interfaces.Connection),
		roomOf:   make(map[interfaces.Connection]string),
		logger:   logger,
	}
}

// Register adds conn to the room. A connection is in at most one room, so
// it leaves any previous room first. isTeacher replaces the room's teacher.
func (r *Registry) Register(roomCode string, conn interfaces.Connection, isTeacher bool) error {
	if conn == nil {
		return ErrNilConnection
	}
	if roomCode == "" {
		return ErrInvalidRoomCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(conn)

	members, ok := r.rooms[roomCode]
	if !ok {
		members = make(map[interfaces.Connection]struct{})
		r.rooms[roomCode] = members
	}
	members[conn] = struct{}{}
	r.roomOf[conn] = roomCode
	if isTeacher {
		r.teachers[roomCode] = conn
	}
	return nil
}

// Unregister removes conn from its room and reports which room that was.
// Empty rooms lose all bookkeeping, teacher mapping included.
func (r *Registry) Unregister(conn interfaces.Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn interfaces.Connection) (string, bool) {
	roomCode, ok := r.roomOf[conn]
	if !ok {
		return "", false
	}
	delete(r.roomOf, conn)

	if members, exists := r.rooms[roomCode]; exists {
		delete(members, conn)
		if len(members) == 0 {
			delete(r.rooms, roomCode)
		}
	}
	if r.teachers[roomCode] == conn {
		delete(r.teachers, roomCode)
	}
	return roomCode, true
}

// RoomOf returns the room conn is registered in.
func (r *Registry) RoomOf(conn interfaces.Connection) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.roomOf[conn]
	return code, ok
}

// Connections returns a snapshot of the room's connections.
func (r *Registry) Connections(roomCode string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomCode]
	out := make([]interfaces.Connection, 0, len(members))
	for conn := range members {
		out = append(out, conn)
	}
	return out
}

// ConnectionCount returns how many connections are in the room.
func (r *Registry) ConnectionCount(roomCode string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomCode])
}

// Teacher returns the room's teacher connection.
func (r *Registry) Teacher(roomCode string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.teachers[roomCode]
	return conn, ok
}

func (r *Registry) HasTeacher(roomCode string) bool {
	_, ok := r.Teacher(roomCode)
	return ok
}

// Send delivers msg to one connection. A connection that turns out to be
// closed is pruned.
func (r *Registry) Send(conn interfaces.Connection, msg types.Outbound) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsOpen() {
		r.prune(conn)
		return ErrConnectionClosed
	}
	if err := conn.WriteJSON(types.Wrap(msg)); err != nil {
		if isClosedErr(err) || !conn.IsOpen() {
			r.prune(conn)
		}
		return err
	}
	return nil
}

// Broadcast sends msg to every open connection in the room except exclude
// and returns how many received it. Failed writes are logged and the dead
// connections pruned; they never fail the broadcast.
func (r *Registry) Broadcast(roomCode string, msg types.Outbound, exclude interfaces.Connection) int {
	delivered := 0
	for _, conn := range r.Connections(roomCode) {
		if exclude != nil && conn == exclude {
			continue
		}
		if err := r.Send(conn, msg); err != nil {
			r.logger.WithFields(logrus.Fields{
				"room_code": roomCode,
				"conn_id":   conn.ID(),
				"type":      msg.MessageType(),
			}).WithError(err).Debug("broadcast skipped connection")
			continue
		}
		delivered++
	}
	return delivered
}

// SendToTeacher delivers msg to the room's teacher. It reports false if the
// room has no open teacher connection.
func (r *Registry) SendToTeacher(roomCode string, msg types.Outbound) bool {
	teacher, ok := r.Teacher(roomCode)
	if !ok {
		return false
	}
	return r.Send(teacher, msg) == nil
}

func (r *Registry) prune(conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.removeLocked(conn); ok {
		r.logger.WithFields(logrus.Fields{"room_code": code, "conn_id": conn.ID()}).Debug("pruned closed connection")
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSendBufferFull)
}

// GetStats returns counts for monitoring.
func (r *Registry) GetStats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		TotalConnections: len(r.roomOf),
		ActiveRooms:      len(r.rooms),
		Teachers:         len(r.teachers),
	}
}
