package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/roach88/vend/internal/clock"
)

//go:embed schema_postgres.sql
var postgresSchema string

// OpenPostgres connects to Postgres at dsn and ensures the schema exists.
// Multiple coordinator nodes may share one database.
func OpenPostgres(ctx context.Context, dsn string, c clock.Clock) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s, err := newPostgres(ctx, db, c)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgres(ctx context.Context, db *sql.DB, c clock.Clock) (*Database, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Database{db: db, clock: clock.OrReal(c), d: postgresDialect}, nil
}
