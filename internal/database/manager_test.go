package database

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innovationquest/internal/store/storetest"
	dbconfig "innovationquest/pkg/database"
	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func setupTestManager(t *testing.T, cfg *dbconfig.Config) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	return m
}

func TestManager_StoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.Store {
		return setupTestManager(t, dbconfig.DefaultConfig())
	})
}

func TestManager_FileDatabasePersists(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "game.db")
	cfg.MaxConnections = 4
	ctx := context.Background()

	m := setupTestManager(t, cfg)
	room, err := m.CreateRoom(ctx, "ABC123", types.PhaseSetup, nil)
	require.NoError(t, err)
	_, err = m.AddStudent(ctx, room.ID, "Alice", true)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened := setupTestManager(t, cfg)
	defer reopened.Close()

	got, err := reopened.GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.WithinDuration(t, room.CreatedAt, got.CreatedAt, time.Second)

	students, err := reopened.GetStudentsByRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "Alice", students[0].Nickname)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	m := setupTestManager(t, dbconfig.DefaultConfig())
	defer m.Close()
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "ABC123", types.PhaseSetup, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AddStudent(ctx, room.ID, string(rune('A'+i)), true)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	students, err := m.GetStudentsByRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, students, 20)
}

func TestManager_Close(t *testing.T) {
	m := setupTestManager(t, dbconfig.DefaultConfig())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.CreateRoom(context.Background(), "ABC123", types.PhaseSetup, nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_CanceledContext(t *testing.T) {
	m := setupTestManager(t, dbconfig.DefaultConfig())
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.CreateRoom(ctx, "ABC123", types.PhaseSetup, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_InvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.MaxConnections = 5

	_, err := NewManager(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestManager_HealthCheck(t *testing.T) {
	m := setupTestManager(t, dbconfig.DefaultConfig())
	defer m.Close()

	assert.NoError(t, m.HealthCheck(context.Background()))
	assert.NotNil(t, m.GetDB())
}
