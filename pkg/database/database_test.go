package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMigrated(t *testing.T, cfg *Config) *MigrationManager {
	t.Helper()
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mm := NewMigrationManager(db, EmbeddedMigrations())
	require.NoError(t, mm.ApplyMigrations(context.Background()))
	return mm
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty path", func(c *Config) { c.Path = "" }, true},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"memory with pool", func(c *Config) { c.MaxConnections = 4 }, true},
		{"file with pool", func(c *Config) { c.Path = "game.db"; c.MaxConnections = 4 }, false},
		{"negative lifetime", func(c *Config) { c.ConnMaxLifetime = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	dsn := cfg.DSN()
	assert.Contains(t, dsn, ":memory:?")
	assert.Contains(t, dsn, "_foreign_keys=1")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.NotContains(t, dsn, "_journal_mode")

	cfg.Path = "/tmp/game.db"
	assert.Contains(t, cfg.DSN(), "_journal_mode=WAL")
}

func TestMigrations_ApplyAndValidate(t *testing.T) {
	mm := openMigrated(t, DefaultConfig())
	ctx := context.Background()

	applied, err := mm.AppliedVersions(ctx)
	require.NoError(t, err)
	assert.True(t, applied["001"])

	require.NoError(t, NewSchemaValidator(mm.db).Validate(ctx))
}

func TestMigrations_Idempotent(t *testing.T) {
	mm := openMigrated(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, mm.ApplyMigrations(ctx))

	var count int
	require.NoError(t, mm.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrations_FileDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "game.db")
	cfg.MaxConnections = 2

	mm := openMigrated(t, cfg)
	assert.NoError(t, NewSchemaValidator(mm.db).Validate(context.Background()))
}

func TestLoadMigrations_Order(t *testing.T) {
	fsys := fstest.MapFS{
		"002_add_scores.sql":  {Data: []byte("SELECT 2;")},
		"001_initial.sql":     {Data: []byte("SELECT 1;")},
		"README.md":           {Data: []byte("not a migration")},
		"010_later_thing.sql": {Data: []byte("SELECT 10;")},
	}

	migrations, err := NewMigrationManager(nil, fsys).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "initial", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)
	assert.Equal(t, "010", migrations[2].Version)
	assert.Equal(t, "later_thing", migrations[2].Description)
}

func TestSchemaValidator_MissingTables(t *testing.T) {
	db, err := Open(DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	err = NewSchemaValidator(db).ValidateTablesExist(context.Background())
	assert.Error(t, err)
}

func TestSchema_UniqueConstraints(t *testing.T) {
	mm := openMigrated(t, DefaultConfig())
	ctx := context.Background()
	db := mm.db

	_, err := db.ExecContext(ctx, "INSERT INTO rooms (room_code, created_at) VALUES ('ABC123', CURRENT_TIMESTAMP)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO rooms (room_code, created_at) VALUES ('ABC123', CURRENT_TIMESTAMP)")
	assert.Error(t, err)

	_, err = db.ExecContext(ctx, "INSERT INTO students (room_id, nickname) VALUES (1, 'Alice')")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO students (room_id, nickname) VALUES (1, 'Alice')")
	assert.Error(t, err)

	_, err = db.ExecContext(ctx, "INSERT INTO students (room_id, nickname) VALUES (99, 'Bob')")
	assert.Error(t, err, "foreign key on room_id should be enforced")

	_, err = db.ExecContext(ctx, "UPDATE rooms SET phase = 'lunch' WHERE id = 1")
	assert.Error(t, err)
}
