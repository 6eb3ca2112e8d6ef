// Package operation tracks the lifecycle of asynchronous work.
//
//	pending ──► processing ──► completed | failed | cancelled
//	   └──────────────────────► completed | failed | cancelled
//
// Nothing leaves a terminal state. Cancellation is cooperative: Cancel marks
// the operation cancelled and raises its signal, and a cancelable function
// notices at its next Checkpoint.
package operation

import (
	"context"
	"encoding/json"
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

const (
	// DefaultRetention is how long a terminal operation stays queryable.
	DefaultRetention = 24 * time.Hour

	// DefaultSafetyExpiry bounds how long an operation can sit non-terminal,
	// for example after its executor died.
	DefaultSafetyExpiry = 7 * 24 * time.Hour

	DefaultListLimit = 20
	MaxListLimit     = 100
)

var (
	ErrNotFound        = errors.New("operation not found")
	ErrCannotCancel    = errors.New("operation is terminal and cannot be cancelled")
	ErrNotCancelable   = errors.New("operation is running a function that does not observe cancellation")
	ErrCancelled       = errors.New("operation cancelled")
	ErrInvalidArgument = errors.New("invalid operation argument")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusProcessing || s.Terminal()
}

// CancelSignal is the tri-state cooperative cancellation flag.
type CancelSignal string

const (
	SignalClear     CancelSignal = "clear"
	SignalRequested CancelSignal = "requested"
	SignalObserved  CancelSignal = "observed"
)

// Operation is the stored record and the view returned to callers.
type Operation struct {
	ID           string            `json:"operation_id"`
	Function     string            `json:"function"`
	Version      string            `json:"version"`
	Owner        string            `json:"owner"`
	Cancelable   bool              `json:"cancelable"`
	Status       Status            `json:"status"`
	Progress     float64           `json:"progress"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Errors       []*protocol.Error `json:"errors,omitempty"`
	CancelSignal CancelSignal      `json:"cancel_signal"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Filter selects operations for List.
type Filter struct {
	// Owner restricts results to one caller. Empty matches every owner.
	Owner    string
	Status   Status
	Function string
	Cursor   string
	Limit    int
}

// Page is one List result.
type Page struct {
	Operations []Operation
	NextCursor string
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Clock        clock.Clock
	IDs          ids.Generator
	Retention    time.Duration
	SafetyExpiry time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Registry is the OperationRegistry.
//
// Thread-safety: safe for concurrent use; every transition is a CAS against
// the AtomicStore.
type Registry struct {
	store        store.AtomicStore
	clock        clock.Clock
	ids          ids.Generator
	retention    time.Duration
	safetyExpiry time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New creates a Registry over s.
func New(s store.AtomicStore, opts Options) *Registry {
	r := &Registry{
		store:        s,
		clock:        clock.OrReal(opts.Clock),
		ids:          ids.OrDefault(opts.IDs),
		retention:    opts.Retention,
		safetyExpiry: opts.SafetyExpiry,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if r.retention <= 0 {
		r.retention = DefaultRetention
	}
	if r.safetyExpiry <= 0 {
		r.safetyExpiry = DefaultSafetyExpiry
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Create registers a new pending operation. cancelable records whether the
// function checks the cancel signal while it runs.
func (r *Registry) Create(ctx context.Context, function, version, owner string, cancelable bool) (Operation, error) {
	now := r.clock.Now()
	op := Operation{
		ID:           r.ids.Generate(),
		Function:     function,
		Version:      version,
		Owner:        owner,
		Cancelable:   cancelable,
		Status:       StatusPending,
		CreatedAt:    now,
		CancelSignal: SignalClear,
		ExpiresAt:    now.Add(r.safetyExpiry),
	}
	value, err := store.Encode(op)
	if err != nil {
		return Operation{}, err
	}
	if _, err := r.store.Create(ctx, store.KeyspaceOperation, op.ID, value, op.ExpiresAt); err != nil {
		return Operation{}, fmt.Errorf("create operation %s: %w", op.ID, err)
	}

	r.metrics.OperationTransition(string(StatusPending))
	r.logger.Debug("operation created", "operation_id", op.ID, "function", function)
	return op, nil
}

// Get returns the operation with id. Expired operations are not found.
func (r *Registry) Get(ctx context.Context, id string) (Operation, error) {
	op, _, err := r.get(ctx, id)
	return op, err
}

// MarkProcessing moves a pending operation to processing. It is a silent
// no-op for any other status; the returned operation shows what was found.
func (r *Registry) MarkProcessing(ctx context.Context, id string) (Operation, error) {
	op, _, err := r.mutate(ctx, id, func(op *Operation, now time.Time) bool {
		if op.Status != StatusPending {
			return false
		}
		op.Status = StatusProcessing
		op.StartedAt = &now
		return true
	})
	return op, err
}

// UpdateProgress records progress in [0, 1]. Silent no-op once terminal.
func (r *Registry) UpdateProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 || progress > 1 {
		return fmt.Errorf("%w: progress %v outside [0, 1]", ErrInvalidArgument, progress)
	}
	_, _, err := r.mutate(ctx, id, func(op *Operation, _ time.Time) bool {
		if op.Status.Terminal() || op.Progress == progress {
			return false
		}
		op.Progress = progress
		return true
	})
	return err
}

// Complete records a successful result. applied is false when the operation
// was already terminal.
func (r *Registry) Complete(ctx context.Context, id string, result json.RawMessage) (applied bool, err error) {
	_, applied, err = r.mutate(ctx, id, func(op *Operation, now time.Time) bool {
		if op.Status.Terminal() {
			return false
		}
		r.terminate(op, StatusCompleted, now)
		op.Progress = 1
		op.Result = result
		return true
	})
	return applied, err
}

// Fail records a failed outcome. applied is false when the operation was
// already terminal.
func (r *Registry) Fail(ctx context.Context, id string, errs []*protocol.Error) (applied bool, err error) {
	_, applied, err = r.mutate(ctx, id, func(op *Operation, now time.Time) bool {
		if op.Status.Terminal() {
			return false
		}
		r.terminate(op, StatusFailed, now)
		op.Errors = errs
		return true
	})
	return applied, err
}

// Cancel marks a non-terminal operation cancelled and raises its signal.
// A processing operation whose function does not observe the signal cannot
// be cancelled; a pending one always can, since it never starts.
func (r *Registry) Cancel(ctx context.Context, id string) (Operation, error) {
	var refused error
	op, _, err := r.mutate(ctx, id, func(op *Operation, now time.Time) bool {
		refused = nil
		switch {
		case op.Status.Terminal():
			refused = ErrCannotCancel
			return false
		case op.Status == StatusProcessing && !op.Cancelable:
			refused = ErrNotCancelable
			return false
		}
		r.terminate(op, StatusCancelled, now)
		op.CancelSignal = SignalRequested
		return true
	})
	if err != nil {
		return Operation{}, err
	}
	if refused != nil {
		return op, refused
	}
	return op, nil
}

func (r *Registry) terminate(op *Operation, status Status, now time.Time) {
	op.Status = status
	op.CompletedAt = &now
	op.ExpiresAt = now.Add(r.retention)
}

// List returns operations matching f in creation order.
func (r *Registry) List(ctx context.Context, f Filter) (Page, error) {
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

	var (
		matched []Operation
		after   = f.Cursor
	)
	for len(matched) <= limit {
		recs, err := r.store.Scan(ctx, store.KeyspaceOperation, store.ScanOptions{After: after, Limit: MaxListLimit})
		if err != nil {
			return Page{}, fmt.Errorf("list operations: %w", err)
		}
		for _, rec := range recs {
			var op Operation
			if err := store.Decode(rec, &op); err != nil {
				return Page{}, err
			}
			if f.matches(op) {
				matched = append(matched, op)
			}
		}
		if len(recs) < MaxListLimit {
			break
		}
		after = recs[len(recs)-1].Key
	}

	page := Page{Operations: matched}
	if len(matched) > limit {
		page.Operations = matched[:limit]
		page.NextCursor = matched[limit-1].ID
	}
	return page, nil
}

func (f Filter) matches(op Operation) bool {
	if f.Owner != "" && op.Owner != f.Owner {
		return false
	}
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	if f.Function != "" && op.Function != f.Function {
		return false
	}
	return true
}

// mutate applies fn to the current operation and CASes the result. fn
// reports whether it changed anything; unchanged operations are not
// written. Conflicting writers are retried against fresh state.
func (r *Registry) mutate(ctx context.Context, id string, fn func(op *Operation, now time.Time) bool) (Operation, bool, error) {
	for {
		op, version, err := r.get(ctx, id)
		if err != nil {
			return Operation{}, false, err
		}
		before := op.Status
		if !fn(&op, r.clock.Now()) {
			return op, false, nil
		}

		value, err := store.Encode(op)
		if err != nil {
			return Operation{}, false, err
		}
		_, err = r.store.CompareAndSwap(ctx, store.KeyspaceOperation, id, version, value, op.ExpiresAt)
		switch {
		case err == nil:
			if op.Status != before {
				r.metrics.OperationTransition(string(op.Status))
				r.logger.Debug("operation transitioned", "operation_id", id, "from", before, "to", op.Status)
			}
			return op, true, nil
		case errors.Is(err, store.ErrVersionMismatch):
			continue
		case errors.Is(err, store.ErrNotFound):
			return Operation{}, false, ErrNotFound
		default:
			return Operation{}, false, fmt.Errorf("update operation %s: %w", id, err)
		}
	}
}

func (r *Registry) get(ctx context.Context, id string) (Operation, int64, error) {
	rec, err := r.store.Get(ctx, store.KeyspaceOperation, id)
	if errors.Is(err, store.ErrNotFound) {
		return Operation{}, 0, ErrNotFound
	}
	if err != nil {
		return Operation{}, 0, fmt.Errorf("get operation %s: %w", id, err)
	}
	var op Operation
	if err := store.Decode(rec, &op); err != nil {
		return Operation{}, 0, err
	}
	return op, rec.Version, nil
}
