package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds sqlite connection settings.
type Config struct {
	Path            string        `json:"path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	BusyTimeout     time.Duration `json:"busy_timeout"`
}

// DefaultConfig returns settings for a private in-memory database.
func DefaultConfig() *Config {
	return &Config{
		Path:           MemoryPath,
		MaxConnections: 1,
		BusyTimeout:    5 * time.Second,
	}
}

// IsMemory reports whether the database lives only in this process.
func (c *Config) IsMemory() bool {
	return c.Path == MemoryPath
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	// Every connection to :memory: opens a separate empty database.
	if c.IsMemory() && c.MaxConnections != 1 {
		return errors.New("in-memory database requires exactly one connection")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("connection max lifetime cannot be negative")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("connection max idle time cannot be negative")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	return nil
}

// DSN builds the go-sqlite3 data source name. Connection-scoped pragmas are
// passed as DSN parameters so every pooled connection gets them.
func (c *Config) DSN() string {
	params := url.Values{}
	params.Set("_foreign_keys", "1")
	params.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout.Milliseconds()))
	if !c.IsMemory() {
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}
	return c.Path + "?" + params.Encode()
}

// Open opens and configures the database described by c.
func Open(c *Config) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(c.MaxConnections)
	db.SetMaxIdleConns(c.MaxConnections)
	if c.IsMemory() {
		// Closing the only connection would discard the database.
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
		db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	return db, nil
}

const sqliteOptimizations = `
	PRAGMA cache_size = -16000;
	PRAGMA temp_store = MEMORY;
`

func applySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
