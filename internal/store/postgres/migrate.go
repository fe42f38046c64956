package postgres

import (
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the transactions/relayers schema, idempotently (every
// statement is CREATE ... IF NOT EXISTS). There is no migration library
// anywhere in this codebase's dependency graph and no prior-version
// schema to step through, so a single idempotent script replaces a
// versioned migration tool.
func Migrate(s *Store) error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
