package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// Keyspace partitions the store by coordination concern.
type Keyspace string

const (
	KeyspaceLock        Keyspace = "lock"
	KeyspaceIdempotency Keyspace = "idempotency"
	KeyspaceOperation   Keyspace = "operation"
	KeyspaceReplay      Keyspace = "replay"
)

// Keyspaces lists every keyspace in a stable order.
var Keyspaces = []Keyspace{KeyspaceLock, KeyspaceIdempotency, KeyspaceOperation, KeyspaceReplay}

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("store: record not found")

	// ErrExists is returned by Create when a live record already holds the key.
	ErrExists = errors.New("store: record already exists")

	// ErrVersionMismatch is returned when a conditional mutation observes a
	// different version than the caller expected.
	ErrVersionMismatch = errors.New("store: version mismatch")

	errClosed = errors.New("store: closed")
)

// Record is a single live value.
type Record struct {
	Key     string
	Value   []byte
	Version int64

	// ExpiresAt is zero when the record never expires.
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ScanOptions bounds a Scan.
type ScanOptions struct {
	// Prefix restricts results to keys starting with it.
	Prefix string

	// After excludes keys less than or equal to it. Used as a cursor.
	After string

	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// AtomicStore is the linearizable substrate shared by all managers.
//
// Implementations must be safe for concurrent use. Any error other than
// the sentinel errors above signals an infrastructure failure.
type AtomicStore interface {
	// Get returns the live record at key or ErrNotFound.
	Get(ctx context.Context, ks Keyspace, key string) (Record, error)

	// Create stores value at key only if the key is absent or expired.
	// A zero expiresAt means the record never expires.
	Create(ctx context.Context, ks Keyspace, key string, value []byte, expiresAt time.Time) (Record, error)

	// CompareAndSwap replaces the record at key only if its current version
	// equals version. It returns ErrNotFound if the key is absent or expired
	// and ErrVersionMismatch if the version differs.
	CompareAndSwap(ctx context.Context, ks Keyspace, key string, version int64, value []byte, expiresAt time.Time) (Record, error)

	// Delete removes the record at key. A zero version deletes
	// unconditionally; otherwise the current version must match.
	Delete(ctx context.Context, ks Keyspace, key string, version int64) error

	// Scan returns live records in ascending key order.
	Scan(ctx context.Context, ks Keyspace, opts ScanOptions) ([]Record, error)

	// Close releases backend resources.
	Close() error
}

// Purger is implemented by backends that keep expired records around until
// explicitly swept.
type Purger interface {
	// Purge deletes every expired record and reports how many were removed.
	Purge(ctx context.Context) (int64, error)
}

// IsConflict reports whether err is one of the expected contention outcomes
// rather than an infrastructure failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists) || errors.Is(err, ErrVersionMismatch)
}

// maxExpiry is the latest instant UnixNano can represent.
var maxExpiry = time.Unix(0, math.MaxInt64)

func expiryNanos(t time.Time) int64 {
	switch {
	case t.IsZero():
		return 0
	case t.After(maxExpiry):
		return math.MaxInt64
	}
	return t.UnixNano()
}

func expiryTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
