package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/vend/internal/clock"
)

type memEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

// Memory is a process-local AtomicStore.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	data    map[Keyspace]map[string]memEntry
	version int64
	closed  bool
}

var _ AtomicStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock: clock.OrReal(c),
		data:  make(map[Keyspace]map[string]memEntry),
	}
}

// live returns the entry at key when it exists and has not expired.
// Caller must hold m.mu.
func (m *Memory) live(ks Keyspace, key string, now time.Time) (memEntry, bool) {
	e, ok := m.data[ks][key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(m.data[ks], key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) put(ks Keyspace, key string, value []byte, expiresAt time.Time) Record {
	m.version++
	space, ok := m.data[ks]
	if !ok {
		space = make(map[string]memEntry)
		m.data[ks] = space
	}
	stored := append([]byte(nil), value...)
	space[key] = memEntry{value: stored, version: m.version, expiresAt: expiresAt}
	return Record{Key: key, Value: append([]byte(nil), stored...), Version: m.version, ExpiresAt: expiresAt}
}

func (m *Memory) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, ks Keyspace, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx); err != nil {
		return Record{}, err
	}
	e, ok := m.live(ks, key, m.clock.Now())
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Key: key, Value: append([]byte(nil), e.value...), Version: e.version, ExpiresAt: e.expiresAt}, nil
}

func (m *Memory) Create(ctx context.Context, ks Keyspace, key string, value []byte, expiresAt time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx); err != nil {
		return Record{}, err
	}
	if _, ok := m.live(ks, key, m.clock.Now()); ok {
		return Record{}, ErrExists
	}
	return m.put(ks, key, value, expiresAt), nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, ks Keyspace, key string, version int64, value []byte, expiresAt time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx); err != nil {
		return Record{}, err
	}
	e, ok := m.live(ks, key, m.clock.Now())
	if !ok {
		return Record{}, ErrNotFound
	}
	if e.version != version {
		return Record{}, ErrVersionMismatch
	}
	return m.put(ks, key, value, expiresAt), nil
}

func (m *Memory) Delete(ctx context.Context, ks Keyspace, key string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx); err != nil {
		return err
	}
	e, ok := m.live(ks, key, m.clock.Now())
	if !ok {
		return ErrNotFound
	}
	if version != 0 && e.version != version {
		return ErrVersionMismatch
	}
	delete(m.data[ks], key)
	return nil
}

func (m *Memory) Scan(ctx context.Context, ks Keyspace, opts ScanOptions) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	keys := make([]string, 0, len(m.data[ks]))
	for key := range m.data[ks] {
		if !strings.HasPrefix(key, opts.Prefix) || key <= opts.After {
			continue
		}
		if _, ok := m.live(ks, key, now); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		e := m.data[ks][key]
		records = append(records, Record{Key: key, Value: append([]byte(nil), e.value...), Version: e.version, ExpiresAt: e.expiresAt})
	}
	return records, nil
}

// Purge removes expired entries eagerly. Reads already ignore them.
func (m *Memory) Purge(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(ctx); err != nil {
		return 0, err
	}
	now := m.clock.Now()
	var removed int64
	for _, space := range m.data {
		for key, e := range space {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(space, key)
				removed++
			}
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
