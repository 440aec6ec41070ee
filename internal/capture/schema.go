package capture

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// queueSchemaVersion is stamped into the database's user_version pragma when
// the schema is created. There is no in-place migration: a queue database
// carrying a different version must be moved aside to start fresh.
const queueSchemaVersion = 1

var ErrSchemaMismatch = errors.New("queue database schema mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read queue schema version: %w", err)
	}
	if version == queueSchemaVersion {
		return nil
	}
	if version != 0 {
		return fmt.Errorf("%w: queue database is version %d, this build expects %d (move the database aside to recreate it)",
			ErrSchemaMismatch, version, queueSchemaVersion)
	}

	// user_version is zero on a fresh database, so create everything and
	// stamp the version in the same transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create queue schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", queueSchemaVersion)); err != nil {
		return fmt.Errorf("stamp queue schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue schema: %w", err)
	}
	return nil
}
