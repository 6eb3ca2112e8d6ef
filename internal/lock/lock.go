// Package lock grants time-bounded exclusive leases over named resources.
//
// A lock is a single store record under the lock keyspace. Acquisition is one
// conditional Create, so at most one live lock exists per key across every
// process sharing the store. Locks are never renewed: they end on release,
// forced release, or TTL expiry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
)

// DefaultMaxTTL caps requested lock TTLs.
const DefaultMaxTTL = time.Hour

var (
	ErrNotFound          = errors.New("lock not found")
	ErrOwnershipMismatch = errors.New("lock owned by another holder")
	ErrTimeout           = errors.New("timed out waiting for lock")
	ErrInvalidArgument   = errors.New("invalid lock argument")
)

// Lock is the stored lease.
type Lock struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Acquisition reports the outcome of an acquire attempt.
//
// When Acquired is false, Lock.Owner is empty: the holder's token is proof
// of ownership and is never handed to a contender. Lock.ExpiresAt then
// carries the holder's expiry and RetryAfter the time until it.
type Acquisition struct {
	Acquired   bool
	Lock       Lock
	RetryAfter time.Duration
}

// Status describes the current state of a key.
type Status struct {
	Locked       bool
	Owner        string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	TTLRemaining time.Duration
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Clock   clock.Clock
	Tokens  ids.Generator
	MaxTTL  time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager is the LockManager.
//
// Thread-safety: Manager holds no mutable state of its own and is safe for
// concurrent use; exclusivity comes from the store.
type Manager struct {
	store   store.AtomicStore
	clock   clock.Clock
	tokens  ids.Generator
	maxTTL  time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Manager over s.
func New(s store.AtomicStore, opts Options) *Manager {
	m := &Manager{
		store:   s,
		clock:   clock.OrReal(opts.Clock),
		tokens:  opts.Tokens,
		maxTTL:  opts.MaxTTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if m.tokens == nil {
		m.tokens = ids.TokenGenerator{}
	}
	if m.maxTTL <= 0 {
		m.maxTTL = DefaultMaxTTL
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// ScopedKey returns the store key for a lock declared with scope.
// Function scope is the default and namespaces the key by function name.
func ScopedKey(scope, function, key string) string {
	if scope == protocol.ScopeGlobal {
		return key
	}
	return function + ":" + key
}

// MaxTTL reports the configured TTL cap.
func (m *Manager) MaxTTL() time.Duration {
	return m.maxTTL
}

// Acquire attempts to take the lock at key once. An empty owner is replaced
// by a fresh unguessable token. TTLs above the configured maximum are capped.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, owner string) (Acquisition, error) {
	if key == "" {
		return Acquisition{}, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return Acquisition{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidArgument)
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	if owner == "" {
		owner = m.tokens.Generate()
	}

	// A holder can expire between our failed Create and the Get that
	// inspects it; in that case the key is free and we try again.
	for attempt := 0; attempt < 3; attempt++ {
		now := m.clock.Now()
		l := Lock{Key: key, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		value, err := store.Encode(l)
		if err != nil {
			return Acquisition{}, err
		}

		_, err = m.store.Create(ctx, store.KeyspaceLock, key, value, l.ExpiresAt)
		if err == nil {
			m.metrics.LockAcquire("acquired")
			m.logger.Debug("lock acquired", "key", key, "expires_at", l.ExpiresAt)
			return Acquisition{Acquired: true, Lock: l}, nil
		}
		if !errors.Is(err, store.ErrExists) {
			return Acquisition{}, fmt.Errorf("acquire lock %s: %w", key, err)
		}

		holder, _, err := m.get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Acquisition{}, err
		}

		m.metrics.LockAcquire("held")
		m.logger.Debug("lock held", "key", key, "expires_at", holder.ExpiresAt)
		return Acquisition{
			Lock:       Lock{Key: key, AcquiredAt: holder.AcquiredAt, ExpiresAt: holder.ExpiresAt},
			RetryAfter: remaining(holder.ExpiresAt, m.clock.Now()),
		}, nil
	}

	// Repeated churn; report as held with no hint.
	m.metrics.LockAcquire("held")
	return Acquisition{Lock: Lock{Key: key}}, nil
}

// AcquireBlocking retries Acquire with exponential polling until the lock is
// taken, wait elapses, or ctx is done. On timeout it returns the last
// Acquisition together with ErrTimeout.
func (m *Manager) AcquireBlocking(ctx context.Context, key string, ttl, wait time.Duration, owner string) (Acquisition, error) {
	if owner == "" {
		owner = m.tokens.Generate()
	}
	res, err := m.Acquire(ctx, key, ttl, owner)
	if err != nil || res.Acquired || wait <= 0 {
		return res, err
	}

	deadline := m.clock.Now().Add(wait)
	poll := newPollBackoff()
	for {
		left := deadline.Sub(m.clock.Now())
		if left <= 0 {
			m.metrics.LockAcquire("timeout")
			m.logger.Debug("lock wait timed out", "key", key, "wait", wait)
			return res, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-m.clock.After(poll.Next(left)):
		}

		res, err = m.Acquire(ctx, key, ttl, owner)
		if err != nil || res.Acquired {
			return res, err
		}
	}
}

// Release deletes the lock at key if owner holds it.
func (m *Manager) Release(ctx context.Context, key, owner string) error {
	l, version, err := m.get(ctx, key)
	if err != nil {
		m.recordReleaseFailure(err)
		return err
	}
	if l.Owner != owner {
		m.metrics.LockRelease("mismatch")
		return ErrOwnershipMismatch
	}

	err = m.store.Delete(ctx, store.KeyspaceLock, key, version)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = ErrNotFound
	case errors.Is(err, store.ErrVersionMismatch):
		// Expired and re-acquired by someone else since our read.
		err = ErrOwnershipMismatch
	case err != nil:
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if err != nil {
		m.recordReleaseFailure(err)
		return err
	}

	m.metrics.LockRelease("released")
	m.logger.Debug("lock released", "key", key)
	return nil
}

// ForceRelease deletes the lock at key regardless of owner.
func (m *Manager) ForceRelease(ctx context.Context, key string) error {
	err := m.store.Delete(ctx, store.KeyspaceLock, key, 0)
	if errors.Is(err, store.ErrNotFound) {
		m.metrics.LockRelease("not_found")
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("force release lock %s: %w", key, err)
	}
	m.metrics.LockRelease("forced")
	m.logger.Info("lock force released", "key", key)
	return nil
}

// Status reports whether key is locked and by whom.
func (m *Manager) Status(ctx context.Context, key string) (Status, error) {
	l, _, err := m.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Locked:       true,
		Owner:        l.Owner,
		AcquiredAt:   l.AcquiredAt,
		ExpiresAt:    l.ExpiresAt,
		TTLRemaining: remaining(l.ExpiresAt, m.clock.Now()),
	}, nil
}

func (m *Manager) get(ctx context.Context, key string) (Lock, int64, error) {
	rec, err := m.store.Get(ctx, store.KeyspaceLock, key)
	if errors.Is(err, store.ErrNotFound) {
		return Lock{}, 0, ErrNotFound
	}
	if err != nil {
		return Lock{}, 0, fmt.Errorf("get lock %s: %w", key, err)
	}
	var l Lock
	if err := store.Decode(rec, &l); err != nil {
		return Lock{}, 0, err
	}
	return l, rec.Version, nil
}

func (m *Manager) recordReleaseFailure(err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		m.metrics.LockRelease("not_found")
	case errors.Is(err, ErrOwnershipMismatch):
		m.metrics.LockRelease("mismatch")
	}
}

func remaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
