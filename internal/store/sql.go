package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/vend/internal/clock"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string

	// nextVersion returns the next store-wide version as a single row.
	nextVersion string

	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		nextVersion: "UPDATE coord_versions SET value = value + 1 WHERE id = 1 RETURNING value",
	}
	postgresDialect = dialect{
		name:        "postgres",
		nextVersion: "SELECT nextval('coord_record_version')",
		numbered:    true,
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	liveClause = "(expires_at = 0 OR expires_at > ?)"

	getQuery = `SELECT value, version, expires_at FROM coord_records
		WHERE keyspace = ? AND record_key = ? AND ` + liveClause

	createQuery = `INSERT INTO coord_records (keyspace, record_key, value, version, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (keyspace, record_key) DO UPDATE
		SET value = excluded.value, version = excluded.version, expires_at = excluded.expires_at
		WHERE coord_records.expires_at <> 0 AND coord_records.expires_at <= ?`

	casQuery = `UPDATE coord_records SET value = ?, version = ?, expires_at = ?
		WHERE keyspace = ? AND record_key = ? AND version = ? AND ` + liveClause

	deleteQuery = `DELETE FROM coord_records
		WHERE keyspace = ? AND record_key = ? AND ` + liveClause

	deleteVersionQuery = `DELETE FROM coord_records
		WHERE keyspace = ? AND record_key = ? AND version = ? AND ` + liveClause

	versionQuery = `SELECT version FROM coord_records
		WHERE keyspace = ? AND record_key = ? AND ` + liveClause

	purgeQuery = `DELETE FROM coord_records WHERE expires_at <> 0 AND expires_at <= ?`
)

// Database is an AtomicStore over database/sql. It backs both the SQLite
// and Postgres drivers; only the dialect differs.
type Database struct {
	db    *sql.DB
	clock clock.Clock
	d     dialect
}

var (
	_ AtomicStore = (*Database)(nil)
	_ Purger      = (*Database)(nil)
)

// Dialect names the SQL backend.
func (s *Database) Dialect() string {
	return s.d.name
}

// Close closes the database connection.
func (s *Database) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Database) now() int64 {
	return s.clock.Now().UnixNano()
}

func (s *Database) Get(ctx context.Context, ks Keyspace, key string) (Record, error) {
	var (
		value   []byte
		version int64
		expires int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(getQuery), string(ks), key, s.now()).
		Scan(&value, &version, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", ks, key, err)
	}
	return Record{Key: key, Value: value, Version: version, ExpiresAt: expiryTime(expires)}, nil
}

func (s *Database) Create(ctx context.Context, ks Keyspace, key string, value []byte, expiresAt time.Time) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("create %s/%s: begin: %w", ks, key, err)
	}
	defer tx.Rollback()

	version, err := s.nextVersion(ctx, tx)
	if err != nil {
		return Record{}, fmt.Errorf("create %s/%s: %w", ks, key, err)
	}

	res, err := tx.ExecContext(ctx, s.d.rebind(createQuery),
		string(ks), key, value, version, expiryNanos(expiresAt), s.now())
	if err != nil {
		return Record{}, fmt.Errorf("create %s/%s: %w", ks, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("create %s/%s: rows affected: %w", ks, key, err)
	}
	if n == 0 {
		return Record{}, ErrExists
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("create %s/%s: commit: %w", ks, key, err)
	}
	return Record{Key: key, Value: value, Version: version, ExpiresAt: expiresAt}, nil
}

func (s *Database) CompareAndSwap(ctx context.Context, ks Keyspace, key string, version int64, value []byte, expiresAt time.Time) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("cas %s/%s: begin: %w", ks, key, err)
	}
	defer tx.Rollback()

	next, err := s.nextVersion(ctx, tx)
	if err != nil {
		return Record{}, fmt.Errorf("cas %s/%s: %w", ks, key, err)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, s.d.rebind(casQuery),
		value, next, expiryNanos(expiresAt), string(ks), key, version, now)
	if err != nil {
		return Record{}, fmt.Errorf("cas %s/%s: %w", ks, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("cas %s/%s: rows affected: %w", ks, key, err)
	}
	if n == 0 {
		return Record{}, s.classifyMiss(ctx, tx, ks, key, now)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("cas %s/%s: commit: %w", ks, key, err)
	}
	return Record{Key: key, Value: value, Version: next, ExpiresAt: expiresAt}, nil
}

func (s *Database) Delete(ctx context.Context, ks Keyspace, key string, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %s/%s: begin: %w", ks, key, err)
	}
	defer tx.Rollback()

	now := s.now()
	var res sql.Result
	if version == 0 {
		res, err = tx.ExecContext(ctx, s.d.rebind(deleteQuery), string(ks), key, now)
	} else {
		res, err = tx.ExecContext(ctx, s.d.rebind(deleteVersionQuery), string(ks), key, version, now)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", ks, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: rows affected: %w", ks, key, err)
	}
	if n == 0 {
		if version == 0 {
			return ErrNotFound
		}
		return s.classifyMiss(ctx, tx, ks, key, now)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete %s/%s: commit: %w", ks, key, err)
	}
	return nil
}

func (s *Database) Scan(ctx context.Context, ks Keyspace, opts ScanOptions) ([]Record, error) {
	var (
		b    strings.Builder
		args = []any{string(ks), s.now()}
	)
	b.WriteString("SELECT record_key, value, version, expires_at FROM coord_records WHERE keyspace = ? AND ")
	b.WriteString(liveClause)
	if opts.After != "" {
		b.WriteString(" AND record_key > ?")
		args = append(args, opts.After)
	}
	if opts.Prefix != "" {
		b.WriteString(" AND substr(record_key, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(opts.Prefix), opts.Prefix)
	}
	b.WriteString(" ORDER BY record_key ASC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", ks, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			expires int64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Version, &expires); err != nil {
			return nil, fmt.Errorf("scan %s: row: %w", ks, err)
		}
		rec.ExpiresAt = expiryTime(expires)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: iterate: %w", ks, err)
	}
	return records, nil
}

// Purge deletes rows whose expiry has passed.
func (s *Database) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(purgeQuery), s.now())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge: rows affected: %w", err)
	}
	return n, nil
}

func (s *Database) nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	if err := tx.QueryRowContext(ctx, s.d.nextVersion).Scan(&v); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return v, nil
}

// classifyMiss tells an absent key apart from a version mismatch after a
// conditional statement matched no rows.
func (s *Database) classifyMiss(ctx context.Context, tx *sql.Tx, ks Keyspace, key string, now int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, s.d.rebind(versionQuery), string(ks), key, now).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup %s/%s: %w", ks, key, err)
	}
	return ErrVersionMismatch
}
