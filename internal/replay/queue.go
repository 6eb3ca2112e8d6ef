// Package replay is the durable, priority-ordered journal of requests that
// could not be processed when they arrived.
//
// Entries wait in the queued state until a Drainer claims one, moving it to
// processing with a single CAS so only one drainer in the fleet executes it.
// The drainer resubmits the original request; the outcome sends the entry to
// completed or failed, or back to queued with a backoff when the failure was
// transient. An entry still queued past its deadline becomes expired and is
// never executed.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
)

const (
	DefaultTTL         = time.Hour
	DefaultRetention   = 24 * time.Hour
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute

	// DefaultClaimTimeout bounds how long a processing entry may stay
	// claimed before another drainer may reclaim it.
	DefaultClaimTimeout = 5 * time.Minute

	DefaultListLimit = 20
	MaxListLimit     = 100

	// maxCallbackRounds bounds redelivery sweeps for a terminal entry whose
	// callback never succeeded.
	maxCallbackRounds = 3
)

var (
	ErrNotFound         = errors.New("replay entry not found")
	ErrCannotTransition = errors.New("replay entry cannot transition")
	ErrInvalidArgument  = errors.New("invalid replay argument")
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority maps "" to normal and rejects unknown values.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	}
	return 1
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusProcessing || s.Terminal()
}

// Entry is a deferred request.
type Entry struct {
	ID                string           `json:"replay_id"`
	Request           protocol.Request `json:"request"`
	IdempotencyKey    string           `json:"idempotency_key,omitempty"`
	Reason            string           `json:"reason"`
	Priority          Priority         `json:"priority"`
	Status            Status           `json:"status"`
	QueuedAt          time.Time        `json:"queued_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	NextAttemptAt     time.Time        `json:"next_attempt_at"`
	ClaimedUntil      *time.Time       `json:"claimed_until,omitempty"`
	Attempts          int              `json:"attempts"`
	MaxAttempts       int              `json:"max_attempts"`
	Result            json.RawMessage  `json:"result,omitempty"`
	Error             *protocol.Error  `json:"error,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	CallbackURL       string           `json:"callback_url,omitempty"`
	CallbackDelivered bool             `json:"callback_delivered"`
	CallbackRounds    int              `json:"callback_rounds,omitempty"`
}

// wantsCallback reports whether a terminal entry still owes a callback.
func (e Entry) wantsCallback() bool {
	if e.CallbackURL == "" || e.CallbackDelivered || e.CallbackRounds >= maxCallbackRounds {
		return false
	}
	return e.Status == StatusCompleted || e.Status == StatusFailed || e.Status == StatusExpired
}

// EnqueueParams describes a request to defer.
type EnqueueParams struct {
	Request     protocol.Request
	Reason      string
	TTL         time.Duration
	Priority    Priority
	CallbackURL string
}

// Filter selects entries for List.
type Filter struct {
	Status   Status
	Priority Priority
	Cursor   string
	Limit    int
}

// Page is one List result.
type Page struct {
	Entries    []Entry
	NextCursor string
}

// Options configures a Queue. Zero values select defaults.
type Options struct {
	Clock        clock.Clock
	IDs          ids.Generator
	Retention    time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ClaimTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Queue is the ReplayQueue.
//
// Thread-safety: safe for concurrent use across goroutines and processes;
// every transition is a CAS against the AtomicStore.
type Queue struct {
	store        store.AtomicStore
	clock        clock.Clock
	ids          ids.Generator
	retention    time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	claimTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	wake         *wakeSignal
}

// New creates a Queue over s.
func New(s store.AtomicStore, opts Options) *Queue {
	q := &Queue{
		store:        s,
		clock:        clock.OrReal(opts.Clock),
		ids:          ids.OrDefault(opts.IDs),
		retention:    opts.Retention,
		maxAttempts:  opts.MaxAttempts,
		backoffBase:  opts.BackoffBase,
		backoffMax:   opts.BackoffMax,
		claimTimeout: opts.ClaimTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		wake:         newWakeSignal(),
	}
	if q.retention <= 0 {
		q.retention = DefaultRetention
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.backoffBase <= 0 {
		q.backoffBase = DefaultBackoffBase
	}
	if q.backoffMax <= 0 {
		q.backoffMax = DefaultBackoffMax
	}
	if q.claimTimeout <= 0 {
		q.claimTimeout = DefaultClaimTimeout
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Enqueue stores p.Request as a queued entry. The whole envelope is kept,
// including its idempotency declaration, so the replay deduplicates like
// the original would have.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (Entry, error) {
	if p.TTL < 0 {
		return Entry{}, fmt.Errorf("%w: ttl must not be negative", ErrInvalidArgument)
	}
	if p.TTL == 0 {
		p.TTL = DefaultTTL
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if _, err := ParsePriority(string(p.Priority)); err != nil {
		return Entry{}, err
	}

	now := q.clock.Now()
	e := Entry{
		ID:            q.ids.Generate(),
		Request:       p.Request,
		Reason:        p.Reason,
		Priority:      p.Priority,
		Status:        StatusQueued,
		QueuedAt:      now,
		ExpiresAt:     now.Add(p.TTL),
		NextAttemptAt: now,
		MaxAttempts:   q.maxAttempts,
		CallbackURL:   p.CallbackURL,
	}
	if ext, ok := p.Request.Extension(protocol.URNIdempotency); ok {
		var opts protocol.IdempotencyOptions
		if err := ext.Decode(&opts); err == nil {
			e.IdempotencyKey = opts.Key
		}
	}

	value, err := store.Encode(e)
	if err != nil {
		return Entry{}, err
	}
	if _, err := q.store.Create(ctx, store.KeyspaceReplay, e.ID, value, q.recordExpiry(e)); err != nil {
		return Entry{}, fmt.Errorf("enqueue replay %s: %w", e.ID, err)
	}

	q.metrics.ReplayTransition(string(StatusQueued))
	q.logger.Info("replay enqueued",
		"replay_id", e.ID,
		"function", p.Request.Call.Function,
		"reason", p.Reason,
		"priority", p.Priority,
	)
	q.wake.Notify()
	return e, nil
}

// Get returns the entry with id.
func (q *Queue) Get(ctx context.Context, id string) (Entry, error) {
	e, _, err := q.get(ctx, id)
	return e, err
}

// Cancel cancels a queued entry.
func (q *Queue) Cancel(ctx context.Context, id string) (Entry, error) {
	var refused bool
	e, _, err := q.mutate(ctx, id, func(e *Entry, now time.Time) bool {
		refused = e.Status != StatusQueued
		if refused {
			return false
		}
		q.terminate(e, StatusCancelled, now)
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if refused {
		return e, ErrCannotTransition
	}
	return e, nil
}

// List returns entries matching f in queue order.
func (q *Queue) List(ctx context.Context, f Filter) (Page, error) {
	limit := f.Limit
	switch {
	case limit < 0:
		return Page{}, fmt.Errorf("%w: limit must not be negative", ErrInvalidArgument)
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	if f.Status != "" && !f.Status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, f.Status)
	}
	if f.Priority != "" {
		if _, err := ParsePriority(string(f.Priority)); err != nil {
			return Page{}, err
		}
	}

	var matched []Entry
	err := q.scan(ctx, f.Cursor, func(e Entry) bool {
		if (f.Status == "" || e.Status == f.Status) && (f.Priority == "" || e.Priority == f.Priority) {
			matched = append(matched, e)
		}
		return len(matched) <= limit
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: matched}
	if len(matched) > limit {
		page.Entries = matched[:limit]
		page.NextCursor = matched[limit-1].ID
	}
	return page, nil
}

// Claim selects the next eligible entry by (priority desc, queued_at asc,
// replay_id asc) and moves it to processing. Entries found queued past their
// deadline are expired along the way. ok is false when nothing is eligible.
func (q *Queue) Claim(ctx context.Context) (entry Entry, ok bool, err error) {
	for {
		now := q.clock.Now()
		var candidates []Entry
		err := q.scan(ctx, "", func(e Entry) bool {
			if q.claimable(e, now) {
				candidates = append(candidates, e)
			}
			return true
		})
		if err != nil {
			return Entry{}, false, err
		}

		var eligible []Entry
		for _, e := range candidates {
			if !now.Before(e.ExpiresAt) {
				if err := q.expire(ctx, e.ID); err != nil {
					return Entry{}, false, err
				}
				continue
			}
			if !now.Before(e.NextAttemptAt) {
				eligible = append(eligible, e)
			}
		}
		if len(eligible) == 0 {
			return Entry{}, false, nil
		}
		sortByPriority(eligible)

		claimed, err := q.claim(ctx, eligible[0].ID, false)
		if errors.Is(err, ErrCannotTransition) {
			// Another drainer took it; select again.
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		return claimed, true, nil
	}
}

// ClaimID claims a specific queued entry regardless of its next attempt
// time. Used by trigger.
func (q *Queue) ClaimID(ctx context.Context, id string) (Entry, error) {
	return q.claim(ctx, id, true)
}

func (q *Queue) claimable(e Entry, now time.Time) bool {
	switch e.Status {
	case StatusQueued:
		return true
	case StatusProcessing:
		// A drainer died mid-attempt.
		return e.ClaimedUntil != nil && !now.Before(*e.ClaimedUntil)
	}
	return false
}

func (q *Queue) claim(ctx context.Context, id string, explicit bool) (Entry, error) {
	var (
		refused   bool
		expired   bool
		exhausted bool
	)
	e, _, err := q.mutate(ctx, id, func(e *Entry, now time.Time) bool {
		refused, expired, exhausted = false, false, false
		if explicit && e.Status != StatusQueued {
			refused = true
			return false
		}
		if !explicit && !q.claimable(*e, now) {
			refused = true
			return false
		}
		if !now.Before(e.ExpiresAt) {
			expired = true
			q.terminate(e, StatusExpired, now)
			return true
		}
		if e.Status == StatusProcessing && e.Attempts >= e.MaxAttempts {
			exhausted = true
			q.terminate(e, StatusFailed, now)
			e.Error = protocol.NewError(protocol.CodeInternalError,
				"attempt %d abandoned after claim timeout", e.Attempts)
			return true
		}
		until := now.Add(q.claimTimeout)
		e.Status = StatusProcessing
		e.ClaimedUntil = &until
		e.Attempts++
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if refused {
		return e, ErrCannotTransition
	}
	if exhausted {
		q.logger.Warn("replay attempts exhausted by claim timeout",
			"replay_id", id,
			"attempts", e.Attempts,
		)
		return Entry{}, ErrCannotTransition
	}
	if expired {
		q.logger.Info("replay expired", "replay_id", id)
		if !explicit {
			return Entry{}, ErrCannotTransition
		}
		return e, nil
	}
	q.logger.Debug("replay claimed", "replay_id", id, "attempt", e.Attempts)
	return e, nil
}

func (q *Queue) expire(ctx context.Context, id string) error {
	_, applied, err := q.mutate(ctx, id, func(e *Entry, now time.Time) bool {
		if !q.claimable(*e, now) || now.Before(e.ExpiresAt) {
			return false
		}
		q.terminate(e, StatusExpired, now)
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if applied {
		q.logger.Info("replay expired", "replay_id", id)
	}
	return err
}

// Outcome is the result of executing a claimed entry.
type Outcome struct {
	Result json.RawMessage
	Err    *protocol.Error

	// Transient marks a failure worth another attempt.
	Transient bool
}

// Finish records the outcome of the attempt on claimed. An attempt whose
// claim was taken over by another drainer is refused.
func (q *Queue) Finish(ctx context.Context, claimed Entry, out Outcome) (Entry, error) {
	id := claimed.ID
	e, applied, err := q.mutate(ctx, id, func(e *Entry, now time.Time) bool {
		if e.Status != StatusProcessing || e.Attempts != claimed.Attempts {
			return false
		}
		e.ClaimedUntil = nil
		switch {
		case out.Err == nil:
			q.terminate(e, StatusCompleted, now)
			e.Result = out.Result
			e.Error = nil
		case out.Transient && e.Attempts < e.MaxAttempts:
			e.Status = StatusQueued
			e.Error = out.Err
			e.NextAttemptAt = now.Add(q.backoff(e.Attempts))
		default:
			q.terminate(e, StatusFailed, now)
			e.Error = out.Err
		}
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if !applied {
		return e, ErrCannotTransition
	}
	q.logger.Info("replay attempt finished",
		"replay_id", id,
		"status", e.Status,
		"attempt", e.Attempts,
	)
	return e, nil
}

// MarkCallback records a callback delivery round for a terminal entry.
func (q *Queue) MarkCallback(ctx context.Context, id string, delivered bool) (Entry, error) {
	e, _, err := q.mutate(ctx, id, func(e *Entry, _ time.Time) bool {
		if e.CallbackDelivered {
			return false
		}
		e.CallbackRounds++
		e.CallbackDelivered = delivered
		return true
	})
	return e, err
}

// PendingCallbacks lists terminal entries whose callback is still owed.
func (q *Queue) PendingCallbacks(ctx context.Context) ([]Entry, error) {
	var pending []Entry
	err := q.scan(ctx, "", func(e Entry) bool {
		if e.wantsCallback() {
			pending = append(pending, e)
		}
		return true
	})
	return pending, err
}

// backoff returns base * 2^(attempt-1), capped.
func (q *Queue) backoff(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: q.backoffBase,
		Multiplier:      2,
		MaxInterval:     q.backoffMax,
	}
	d := b.NextBackOff()
	for i := 1; i < attempt && d < q.backoffMax; i++ {
		d = b.NextBackOff()
	}
	return min(d, q.backoffMax)
}

func (q *Queue) terminate(e *Entry, status Status, now time.Time) {
	e.Status = status
	e.CompletedAt = &now
	e.ClaimedUntil = nil
}

// recordExpiry keeps an entry in the store for the retention window past
// its last meaningful moment.
func (q *Queue) recordExpiry(e Entry) time.Time {
	if e.CompletedAt != nil {
		return e.CompletedAt.Add(q.retention)
	}
	end := e.ExpiresAt
	if e.ClaimedUntil != nil && e.ClaimedUntil.After(end) {
		end = *e.ClaimedUntil
	}
	return end.Add(q.retention)
}

func sortByPriority(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() > b.Priority.rank()
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ID < b.ID
	})
}

// scan visits entries in id order starting after cursor until fn returns
// false.
func (q *Queue) scan(ctx context.Context, cursor string, fn func(Entry) bool) error {
	after := cursor
	for {
		recs, err := q.store.Scan(ctx, store.KeyspaceReplay, store.ScanOptions{After: after, Limit: MaxListLimit})
		if err != nil {
			return fmt.Errorf("scan replay: %w", err)
		}
		for _, rec := range recs {
			var e Entry
			if err := store.Decode(rec, &e); err != nil {
				return err
			}
			if !fn(e) {
				return nil
			}
		}
		if len(recs) < MaxListLimit {
			return nil
		}
		after = recs[len(recs)-1].Key
	}
}

func (q *Queue) mutate(ctx context.Context, id string, fn func(e *Entry, now time.Time) bool) (Entry, bool, error) {
	for {
		e, version, err := q.get(ctx, id)
		if err != nil {
			return Entry{}, false, err
		}
		before := e.Status
		if !fn(&e, q.clock.Now()) {
			return e, false, nil
		}

		value, err := store.Encode(e)
		if err != nil {
			return Entry{}, false, err
		}
		_, err = q.store.CompareAndSwap(ctx, store.KeyspaceReplay, id, version, value, q.recordExpiry(e))
		switch {
		case err == nil:
			if e.Status != before {
				q.metrics.ReplayTransition(string(e.Status))
			}
			return e, true, nil
		case errors.Is(err, store.ErrVersionMismatch):
			continue
		case errors.Is(err, store.ErrNotFound):
			return Entry{}, false, ErrNotFound
		default:
			return Entry{}, false, fmt.Errorf("update replay %s: %w", id, err)
		}
	}
}

func (q *Queue) get(ctx context.Context, id string) (Entry, int64, error) {
	rec, err := q.store.Get(ctx, store.KeyspaceReplay, id)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, 0, ErrNotFound
	}
	if err != nil {
		return Entry{}, 0, fmt.Errorf("get replay %s: %w", id, err)
	}
	var e Entry
	if err := store.Decode(rec, &e); err != nil {
		return Entry{}, 0, err
	}
	return e, rec.Version, nil
}
