package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool. The pool points at the auth
// service's own database, so this service only touches the tables it owns
// plus the auth users table's metadata column.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Traffic is one signup per user; a small pool is plenty.
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the tables this service owns. The auth schema itself is
// owned and migrated by the auth service.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connect_attempts (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL,
			organization_id TEXT,
			outcome TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);`,

		`CREATE INDEX IF NOT EXISTS idx_connect_attempts_user ON connect_attempts(user_id, created_at DESC);`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nQuery: %s", err, migration)
		}
	}

	return nil
}
