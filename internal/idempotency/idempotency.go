// Package idempotency deduplicates side-effecting calls by client key.
//
// A record is keyed by the domain-separated hash of (key, function, version)
// and pins the hash of the arguments it was first seen with. Begin decides
// what a new request carrying the key should do:
//
//   - novel: no live record existed; the caller now owns execution
//   - cached: a terminal record exists; replay its stored outcome
//   - processing: another executor is still running it
//   - conflict: the key was used with different arguments
//
// The owning executor moves the record from processing to a terminal status
// exactly once.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
)

// DefaultTTL is how long a record lives when the request names no TTL.
const DefaultTTL = 24 * time.Hour

var (
	ErrNotFound        = errors.New("idempotency record not found")
	ErrAlreadyTerminal = errors.New("idempotency record already terminal")
	ErrInvalidArgument = errors.New("invalid idempotency argument")
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Decision string

const (
	DecisionNovel      Decision = "novel"
	DecisionCached     Decision = "cached"
	DecisionProcessing Decision = "processing"
	DecisionConflict   Decision = "conflict"
)

// Record is the stored deduplication entry.
type Record struct {
	KeyHash       string          `json:"key_hash"`
	Key           string          `json:"key"`
	Function      string          `json:"function"`
	Version       string          `json:"version"`
	ArgumentsHash string          `json:"arguments_hash"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *protocol.Error `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Outcome is the result of Begin.
type Outcome struct {
	Decision Decision
	Record   Record
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	Clock      clock.Clock
	DefaultTTL time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Store is the IdempotencyStore.
//
// Thread-safety: safe for concurrent use; all state lives in the
// AtomicStore.
type Store struct {
	store      store.AtomicStore
	clock      clock.Clock
	defaultTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a Store over s.
func New(s store.AtomicStore, opts Options) *Store {
	st := &Store{
		store:      s,
		clock:      clock.OrReal(opts.Clock),
		defaultTTL: opts.DefaultTTL,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if st.defaultTTL <= 0 {
		st.defaultTTL = DefaultTTL
	}
	if st.logger == nil {
		st.logger = slog.Default()
	}
	return st
}

// Begin resolves key for a call to function@version with the given
// arguments hash. A novel outcome atomically creates a processing record
// owned by the caller. A zero ttl selects the default.
func (s *Store) Begin(ctx context.Context, key, function, version, argumentsHash string, ttl time.Duration) (Outcome, error) {
	if key == "" {
		return Outcome{}, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if ttl < 0 {
		return Outcome{}, fmt.Errorf("%w: ttl must not be negative", ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	keyHash := protocol.KeyHash(key, function, version)

	// An existing record can expire between a failed Create and the Get
	// that inspects it; the key is then free and Create is retried.
	for attempt := 0; attempt < 3; attempt++ {
		now := s.clock.Now()
		rec := Record{
			KeyHash:       keyHash,
			Key:           key,
			Function:      function,
			Version:       version,
			ArgumentsHash: argumentsHash,
			Status:        StatusProcessing,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
		}
		value, err := store.Encode(rec)
		if err != nil {
			return Outcome{}, err
		}

		_, err = s.store.Create(ctx, store.KeyspaceIdempotency, keyHash, value, rec.ExpiresAt)
		if err == nil {
			return s.decide(DecisionNovel, rec), nil
		}
		if !errors.Is(err, store.ErrExists) {
			return Outcome{}, fmt.Errorf("begin idempotency %s: %w", keyHash, err)
		}

		existing, _, err := s.get(ctx, keyHash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		switch {
		case existing.ArgumentsHash != argumentsHash:
			return s.decide(DecisionConflict, existing), nil
		case existing.Status.Terminal():
			return s.decide(DecisionCached, existing), nil
		default:
			return s.decide(DecisionProcessing, existing), nil
		}
	}
	return Outcome{}, fmt.Errorf("begin idempotency %s: record churned during resolution", keyHash)
}

func (s *Store) decide(d Decision, rec Record) Outcome {
	s.metrics.IdempotencyDecision(string(d))
	s.logger.Debug("idempotency resolved", "key_hash", rec.KeyHash, "decision", d)
	return Outcome{Decision: d, Record: rec}
}

// Complete records a successful result. Only the first terminal transition
// applies; later ones return ErrAlreadyTerminal.
func (s *Store) Complete(ctx context.Context, keyHash string, result json.RawMessage) error {
	return s.finish(ctx, keyHash, func(r *Record) {
		r.Status = StatusCompleted
		r.Result = result
	})
}

// Fail records a failed outcome. Only the first terminal transition applies.
func (s *Store) Fail(ctx context.Context, keyHash string, callErr *protocol.Error) error {
	return s.finish(ctx, keyHash, func(r *Record) {
		r.Status = StatusFailed
		r.Error = callErr
	})
}

func (s *Store) finish(ctx context.Context, keyHash string, apply func(*Record)) error {
	for {
		rec, version, err := s.get(ctx, keyHash)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return ErrAlreadyTerminal
		}

		apply(&rec)
		value, err := store.Encode(rec)
		if err != nil {
			return err
		}
		_, err = s.store.CompareAndSwap(ctx, store.KeyspaceIdempotency, keyHash, version, value, rec.ExpiresAt)
		switch {
		case err == nil:
			s.logger.Debug("idempotency finished", "key_hash", keyHash, "status", rec.Status)
			return nil
		case errors.Is(err, store.ErrVersionMismatch):
			continue
		case errors.Is(err, store.ErrNotFound):
			return ErrNotFound
		default:
			return fmt.Errorf("finish idempotency %s: %w", keyHash, err)
		}
	}
}

// Abandon deletes a record that is still processing, freeing the key for a
// later attempt. Used when execution never produced an outcome, for example
// when the request was deferred to the replay queue.
func (s *Store) Abandon(ctx context.Context, keyHash string) error {
	rec, version, err := s.get(ctx, keyHash)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	err = s.store.Delete(ctx, store.KeyspaceIdempotency, keyHash, version)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrVersionMismatch):
		return ErrAlreadyTerminal
	case err != nil:
		return fmt.Errorf("abandon idempotency %s: %w", keyHash, err)
	}
	s.logger.Debug("idempotency abandoned", "key_hash", keyHash)
	return nil
}

// Get returns the live record for keyHash.
func (s *Store) Get(ctx context.Context, keyHash string) (Record, error) {
	rec, _, err := s.get(ctx, keyHash)
	return rec, err
}

func (s *Store) get(ctx context.Context, keyHash string) (Record, int64, error) {
	raw, err := s.store.Get(ctx, store.KeyspaceIdempotency, keyHash)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, fmt.Errorf("get idempotency %s: %w", keyHash, err)
	}
	var rec Record
	if err := store.Decode(raw, &rec); err != nil {
		return Record{}, 0, err
	}
	return rec, raw.Version, nil
}
