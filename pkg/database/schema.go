package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database carries the expected schema.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = []string{"rooms", "students", "inventions", "votes", "schema_migrations"}

var requiredIndexes = []string{
	"idx_students_room",
	"idx_inventions_room",
	"idx_votes_room",
	"idx_votes_invention",
}

var requiredColumns = map[string][]string{
	"rooms":      {"id", "room_code", "phase", "problem", "created_at"},
	"students":   {"id", "room_id", "nickname", "is_connected"},
	"inventions": {"id", "room_id", "student_id", "name", "tagline", "description", "drawing", "created_at"},
	"votes":      {"id", "room_id", "student_id", "invention_id", "created_at"},
}

// Validate runs every check.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	if err := v.ValidateTablesExist(ctx); err != nil {
		return err
	}
	if err := v.ValidateIndexes(ctx); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(ctx); err != nil {
		return err
	}
	return v.ValidateForeignKeys(ctx)
}

func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	for _, table := range requiredTables {
		exists, err := v.objectExists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	for _, index := range requiredIndexes {
		exists, err := v.objectExists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateTableStructure(ctx context.Context) error {
	for table, columns := range requiredColumns {
		found, err := v.columns(ctx, table)
		if err != nil {
			return fmt.Errorf("error reading columns of %s: %w", table, err)
		}
		for _, column := range columns {
			if !found[column] {
				return fmt.Errorf("table %s is missing column %s", table, column)
			}
		}
	}
	return nil
}

// ValidateForeignKeys checks that foreign key enforcement is on for the connection.
func (v *SchemaValidator) ValidateForeignKeys(ctx context.Context) error {
	var enabled int
	if err := v.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("error reading foreign_keys pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("foreign key enforcement is disabled")
	}
	return nil
}

func (v *SchemaValidator) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) columns(ctx context.Context, table string) (map[string]bool, error) {
	// table comes from requiredColumns, never from input.
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var (
			cid          int
			name, ctype  string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		found[name] = true
	}
	return found, rows.Err()
}
