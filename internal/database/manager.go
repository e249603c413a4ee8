// Package database implements the Store on sqlite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	dbconfig "innovationquest/pkg/database"
	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

const (
	writeQueueSize  = 100
	writeTimeout    = 30 * time.Second
	maxWriteRetries = 3
	retryDelay      = 50 * time.Millisecond
)

// Manager is a Store backed by sqlite. All writes run on one goroutine;
// reads go straight to the pool.
type Manager struct {
	db     *sql.DB
	config *dbconfig.Config
	logger *logrus.Entry

	writeChannel chan writeOperation
	shutdown     chan struct{}
	done         chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ interfaces.Store = (*Manager)(nil)

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and
// validates the resulting schema.
func NewManager(ctx context.Context, config *dbconfig.Config, logger *logrus.Entry) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.EmbeddedMigrations()).ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("invalid database schema: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	go m.writeLoop()

	logger.WithField("path", config.Path).Info("sqlite store ready")
	return m, nil
}

func (m *Manager) writeLoop() {
	defer close(m.done)

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)
		case <-m.shutdown:
			return
		}
	}
}

// runWrite retries only when sqlite reports the database busy or locked.
func (m *Manager) runWrite(op writeOperation) error {
	var err error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		if ctxErr := op.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = op.operation(op.ctx, m.db)
		if err == nil || !isBusy(err) {
			return err
		}
		m.logger.WithError(err).WithField("attempt", attempt+1).Warn("database busy, retrying write")
		time.Sleep(retryDelay)
	}
	m.logger.WithError(err).Error("database write failed after retries")
	return err
}

func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	op := writeOperation{ctx: ctx, operation: operation, result: make(chan error, 1)}

	select {
	case m.writeChannel <- op:
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerClosed
	}

	select {
	case err := <-op.result:
		return err
	case <-m.done:
		return ErrManagerClosed
	}
}

// inTx runs fn in a transaction on the write goroutine.
func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func sqliteCode(err error) (sqlite3.ErrNo, sqlite3.ErrNoExtended, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code, se.ExtendedCode, true
	}
	return 0, 0, false
}

func isBusy(err error) bool {
	code, _, ok := sqliteCode(err)
	return ok && (code == sqlite3.ErrBusy || code == sqlite3.ErrLocked)
}

func isUniqueViolation(err error) bool {
	_, ext, ok := sqliteCode(err)
	return ok && (ext == sqlite3.ErrConstraintUnique || ext == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyViolation(err error) bool {
	_, ext, ok := sqliteCode(err)
	return ok && ext == sqlite3.ErrConstraintForeignKey
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const roomColumns = "id, room_code, phase, problem, created_at"

func scanRoom(row rowScanner) (*types.Room, error) {
	var (
		room    types.Room
		phase   string
		problem sql.NullString
	)
	if err := row.Scan(&room.ID, &room.Code, &phase, &problem, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	room.Phase = types.Phase(phase)
	if problem.Valid {
		room.Problem = &problem.String
	}
	return &room, nil
}

const studentColumns = "id, room_id, nickname, is_connected"

func scanStudent(row rowScanner) (*types.Student, error) {
	var st types.Student
	if err := row.Scan(&st.ID, &st.RoomID, &st.Nickname, &st.IsConnected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

const inventionColumns = "id, room_id, student_id, name, tagline, description, drawing, created_at"

func inventionDest(inv *types.Invention, drawing *sql.NullString) []interface{} {
	return []interface{}{
		&inv.ID, &inv.RoomID, &inv.StudentID, &inv.Name,
		&inv.Tagline, &inv.Description, drawing, &inv.CreatedAt,
	}
}

func scanInvention(row rowScanner) (*types.Invention, error) {
	var (
		inv     types.Invention
		drawing sql.NullString
	)
	if err := row.Scan(inventionDest(&inv, &drawing)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	if drawing.Valid {
		inv.Drawing = &drawing.String
	}
	return &inv, nil
}

const voteColumns = "id, room_id, student_id, invention_id, created_at"

func scanVote(row rowScanner) (*types.Vote, error) {
	var v types.Vote
	if err := row.Scan(&v.ID, &v.RoomID, &v.StudentID, &v.InventionID, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func now() time.Time {
	return time.Now().UTC()
}

func (m *Manager) CreateRoom(ctx context.Context, code string, phase types.Phase, problem *string) (*types.Room, error) {
	room := &types.Room{Code: code, Phase: phase, CreatedAt: now()}
	if problem != nil {
		p := *problem
		room.Problem = &p
	}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO rooms (room_code, phase, problem, created_at) VALUES (?, ?, ?, ?)",
			room.Code, string(room.Phase), nullString(room.Problem), room.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateRoomCode
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}
		room.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (m *Manager) GetRoom(ctx context.Context, code string) (*types.Room, error) {
	row := m.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE room_code = ?", code)
	room, err := scanRoom(row)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, err
}

func (m *Manager) UpdateRoom(ctx context.Context, code string, update types.RoomUpdate) (*types.Room, error) {
	var room *types.Room
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		room, err = scanRoom(tx.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE room_code = ?", code))
		if err != nil {
			return err
		}
		update.Apply(room)
		_, err = tx.ExecContext(ctx,
			"UPDATE rooms SET phase = ?, problem = ? WHERE id = ?",
			string(room.Phase), nullString(room.Problem), room.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (m *Manager) AddStudent(ctx context.Context, roomID int64, nickname string, connected bool) (*types.Student, error) {
	student := &types.Student{RoomID: roomID, Nickname: nickname, IsConnected: connected}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO students (room_id, nickname, is_connected) VALUES (?, ?, ?)",
			roomID, nickname, connected,
		)
		switch {
		case err == nil:
		case isUniqueViolation(err):
			return interfaces.ErrDuplicateNickname
		case isForeignKeyViolation(err):
			return interfaces.ErrNotFound
		default:
			return fmt.Errorf("failed to insert student: %w", err)
		}
		student.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return student, nil
}

func (m *Manager) GetStudentsByRoom(ctx context.Context, roomID int64) ([]types.Student, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+studentColumns+" FROM students WHERE room_id = ? ORDER BY id", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	students := make([]types.Student, 0)
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		students = append(students, *st)
	}
	return students, rows.Err()
}

func (m *Manager) GetStudentByNickname(ctx context.Context, roomID int64, nickname string) (*types.Student, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT "+studentColumns+" FROM students WHERE room_id = ? AND nickname = ?", roomID, nickname)
	st, err := scanStudent(row)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	return st, err
}

func (m *Manager) UpdateStudent(ctx context.Context, id int64, update types.StudentUpdate) (*types.Student, error) {
	var student *types.Student
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		student, err = scanStudent(tx.QueryRowContext(ctx, "SELECT "+studentColumns+" FROM students WHERE id = ?", id))
		if err != nil {
			return err
		}
		update.Apply(student)
		_, err = tx.ExecContext(ctx,
			"UPDATE students SET nickname = ?, is_connected = ? WHERE id = ?",
			student.Nickname, student.IsConnected, student.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateNickname
			}
			return fmt.Errorf("failed to update student: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return student, nil
}

func (m *Manager) RemoveStudent(ctx context.Context, id int64) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM students WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete student: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

func (m *Manager) AddInvention(ctx context.Context, draft types.InventionDraft) (*types.Invention, error) {
	inv := &types.Invention{
		RoomID:      draft.RoomID,
		StudentID:   draft.StudentID,
		Name:        draft.Name,
		Tagline:     draft.Tagline,
		Description: draft.Description,
		CreatedAt:   now(),
	}
	if draft.Drawing != nil {
		drawing := *draft.Drawing
		inv.Drawing = &drawing
	}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO inventions (room_id, student_id, name, tagline, description, drawing, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			inv.RoomID, inv.StudentID, inv.Name, inv.Tagline, inv.Description, nullString(inv.Drawing), inv.CreatedAt,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return interfaces.ErrNotFound
			}
			return fmt.Errorf("failed to insert invention: %w", err)
		}
		inv.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (m *Manager) GetInventionsByRoom(ctx context.Context, roomID int64) ([]types.Invention, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+inventionColumns+" FROM inventions WHERE room_id = ? ORDER BY id", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventions: %w", err)
	}
	defer rows.Close()

	inventions := make([]types.Invention, 0)
	for rows.Next() {
		inv, err := scanInvention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invention: %w", err)
		}
		inventions = append(inventions, *inv)
	}
	return inventions, rows.Err()
}

func (m *Manager) GetInventionByID(ctx context.Context, id int64) (*types.Invention, error) {
	inv, err := scanInvention(m.db.QueryRowContext(ctx, "SELECT "+inventionColumns+" FROM inventions WHERE id = ?", id))
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to get invention: %w", err)
	}
	return inv, err
}

func (m *Manager) AddVote(ctx context.Context, roomID, studentID, inventionID int64) (*types.Vote, error) {
	vote := &types.Vote{RoomID: roomID, StudentID: studentID, InventionID: inventionID, CreatedAt: now()}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO votes (room_id, student_id, invention_id, created_at) VALUES (?, ?, ?, ?)",
			roomID, studentID, inventionID, vote.CreatedAt,
		)
		switch {
		case err == nil:
		case isUniqueViolation(err):
			return interfaces.ErrDuplicateVote
		case isForeignKeyViolation(err):
			return interfaces.ErrNotFound
		default:
			return fmt.Errorf("failed to insert vote: %w", err)
		}
		vote.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return vote, nil
}

func (m *Manager) GetVotesByRoom(ctx context.Context, roomID int64) ([]types.Vote, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+voteColumns+" FROM votes WHERE room_id = ? ORDER BY id", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	votes := make([]types.Vote, 0)
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, *v)
	}
	return votes, rows.Err()
}

func (m *Manager) GetVoteByStudent(ctx context.Context, roomID, studentID int64) (*types.Vote, error) {
	v, err := scanVote(m.db.QueryRowContext(ctx,
		"SELECT "+voteColumns+" FROM votes WHERE room_id = ? AND student_id = ?", roomID, studentID))
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to get vote: %w", err)
	}
	return v, err
}

// rankedQuery tallies votes per invention. Ties fall back to id, which is
// submission order.
const rankedQuery = `
	SELECT i.id, i.room_id, i.student_id, i.name, i.tagline, i.description, i.drawing, i.created_at,
	       COUNT(v.id) AS vote_count,
	       COALESCE(s.nickname, ?) AS student_nickname
	FROM inventions i
	LEFT JOIN votes v ON v.invention_id = i.id
	LEFT JOIN students s ON s.id = i.student_id
	WHERE i.room_id = ?
	GROUP BY i.id
	ORDER BY vote_count DESC, i.id ASC
`

func (m *Manager) GetRankedResults(ctx context.Context, roomID int64) ([]types.RankedResult, error) {
	rows, err := m.db.QueryContext(ctx, rankedQuery, types.UnknownNickname, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := make([]types.RankedResult, 0)
	for rows.Next() {
		var (
			r       types.RankedResult
			drawing sql.NullString
		)
		dest := append(inventionDest(&r.Invention, &drawing), &r.VoteCount, &r.StudentNickname)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if drawing.Valid {
			r.Drawing = &drawing.String
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (m *Manager) ClearRound(ctx context.Context, roomID int64) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE id = ?", roomID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check room: %w", err)
		}
		if exists == 0 {
			return interfaces.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM votes WHERE room_id = ?", roomID); err != nil {
			return fmt.Errorf("failed to clear votes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM inventions WHERE room_id = ?", roomID); err != nil {
			return fmt.Errorf("failed to clear inventions: %w", err)
		}
		return nil
	})
}

func (m *Manager) Stats(ctx context.Context) (types.StoreStats, error) {
	var stats types.StoreStats
	err := m.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM students),
			(SELECT COUNT(*) FROM inventions),
			(SELECT COUNT(*) FROM votes)
	`).Scan(&stats.Rooms, &stats.Students, &stats.Inventions, &stats.Votes)
	if err != nil {
		return types.StoreStats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

// HealthCheck pings the database and runs a trivial read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying pool.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the write loop and closes the pool. It is safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	<-m.done

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
