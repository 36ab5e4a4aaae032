// Package storage persists ingested rows into the analytical database and
// answers the data-presence queries the resolver and the missing-data check
// depend on. Tables are created on demand from each plugin's declared schema.
package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/database"
	"github.com/aristath/collector/internal/plugin"
)

// identifierPattern guards table and column names interpolated into SQL.
// Names come from the static plugin catalog, but a malformed schema should
// fail loudly rather than produce broken statements.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store handles analytical data persistence in market.db.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new analytical store.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "storage").Logger(),
	}
}

// TableExists reports whether a table is present in the analytical database.
func (s *Store) TableExists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// LatestDate returns the most recent value of the date column, or nil when
// the table holds no rows.
func (s *Store) LatestDate(table, dateColumn string) (*string, error) {
	if err := validIdentifiers(table, dateColumn); err != nil {
		return nil, err
	}

	var latest sql.NullString
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", dateColumn, table)
	err := s.db.QueryRow(query).Scan(&latest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest date for %s: %w", table, err)
	}
	if !latest.Valid || latest.String == "" {
		return nil, nil
	}
	return &latest.String, nil
}

// RowExists reports whether any row carries the given date.
func (s *Store) RowExists(table, dateColumn, date string) (bool, error) {
	if err := validIdentifiers(table, dateColumn); err != nil {
		return false, err
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, dateColumn)
	if err := s.db.QueryRow(query, date).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check row in %s: %w", table, err)
	}
	return count > 0, nil
}

// EnsureTable creates the target table for a plugin schema if it is missing.
func (s *Store) EnsureTable(schema plugin.TableSchema) error {
	if err := validIdentifiers(schema.TableName); err != nil {
		return err
	}
	if len(schema.Columns) == 0 {
		return fmt.Errorf("schema for %s declares no columns", schema.TableName)
	}

	declared := make(map[string]bool, len(schema.Columns))
	defs := make([]string, 0, len(schema.Columns)+1)
	for _, col := range schema.Columns {
		if err := validIdentifiers(col.Name); err != nil {
			return err
		}
		declared[col.Name] = true
		defs = append(defs, fmt.Sprintf("%s %s", col.Name, col.Type))
	}

	if len(schema.UniqueBy) > 0 {
		for _, key := range schema.UniqueBy {
			if !declared[key] {
				return fmt.Errorf("schema for %s keys on undeclared column %q", schema.TableName, key)
			}
		}
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(schema.UniqueBy, ", ")))
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", schema.TableName, strings.Join(defs, ", "))
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", schema.TableName, err)
	}
	return nil
}

// InsertRows writes extracted rows into a plugin's target table inside one
// transaction. Columns absent from a row are stored as NULL; rows matching
// an existing unique key replace it, so re-ingesting a date is idempotent.
// Returns the number of rows written.
func (s *Store) InsertRows(schema plugin.TableSchema, rows []plugin.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.EnsureTable(schema); err != nil {
		return 0, err
	}

	cols := make([]string, 0, len(schema.Columns))
	placeholders := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		cols = append(cols, col.Name)
		placeholders = append(placeholders, "?")
	}
	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		schema.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	inserted := 0
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare insert for %s: %w", schema.TableName, err)
		}
		defer stmt.Close()

		for _, row := range rows {
			args := make([]any, 0, len(schema.Columns))
			for _, col := range schema.Columns {
				args = append(args, row[col.Name])
			}
			if _, err := stmt.Exec(args...); err != nil {
				return fmt.Errorf("failed to insert row into %s: %w", schema.TableName, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

func validIdentifiers(names ...string) error {
	for _, name := range names {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid SQL identifier %q", name)
		}
	}
	return nil
}
