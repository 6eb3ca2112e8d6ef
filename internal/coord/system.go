package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/vend/internal/lock"
	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
)

// System function names.
const (
	FuncLocksStatus       = "locks.status"
	FuncLocksRelease      = "locks.release"
	FuncLocksForceRelease = "locks.forceRelease"
	FuncOperationsStatus  = "operations.status"
	FuncOperationsCancel  = "operations.cancel"
	FuncOperationsList    = "operations.list"
	FuncReplayStatus      = "replay.status"
	FuncReplayCancel      = "replay.cancel"
	FuncReplayList        = "replay.list"
	FuncReplayTrigger     = "replay.trigger"
)

func (d *Dispatcher) registerSystemFunctions() {
	for name, h := range map[string]Handler{
		FuncLocksStatus:       d.locksStatus,
		FuncLocksRelease:      d.locksRelease,
		FuncLocksForceRelease: d.locksForceRelease,
		FuncOperationsStatus:  d.operationsStatus,
		FuncOperationsCancel:  d.operationsCancel,
		FuncOperationsList:    d.operationsList,
		FuncReplayStatus:      d.replayStatus,
		FuncReplayCancel:      d.replayCancel,
		FuncReplayList:        d.replayList,
		FuncReplayTrigger:     d.replayTrigger,
	} {
		if err := d.registry.register(Function{Name: name, Handler: h, system: true}); err != nil {
			panic(fmt.Sprintf("register %s: %v", name, err))
		}
	}
}

// lockArgs identifies a lock the same way the extension declares it.
type lockArgs struct {
	Key      string `json:"key"`
	Scope    string `json:"scope,omitempty"`
	Function string `json:"function,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

func (a lockArgs) storeKey() (string, error) {
	if a.Key == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument, "key is required")
	}
	scope := firstNonEmpty(a.Scope, protocol.ScopeFunction)
	switch scope {
	case protocol.ScopeGlobal:
	case protocol.ScopeFunction:
		if a.Function == "" {
			return "", protocol.NewError(protocol.CodeInvalidArgument, "function is required for function-scoped locks")
		}
	default:
		return "", protocol.NewError(protocol.CodeInvalidArgument, "unknown scope %q", scope)
	}
	return lock.ScopedKey(scope, a.Function, a.Key), nil
}

type lockStatusResult struct {
	Locked       bool       `json:"locked"`
	Owner        string     `json:"owner,omitempty"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TTLRemaining *float64   `json:"ttl_remaining,omitempty"`
}

type releasedResult struct {
	Released bool `json:"released"`
}

func (d *Dispatcher) locksStatus(ctx context.Context, call *Call) (any, error) {
	var args lockArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	key, err := args.storeKey()
	if err != nil {
		return nil, err
	}
	st, err := d.locks.Status(ctx, key)
	if err != nil {
		return nil, storageError(err)
	}
	if !st.Locked {
		return lockStatusResult{}, nil
	}
	ttl := st.TTLRemaining.Seconds()
	return lockStatusResult{
		Locked:       true,
		Owner:        st.Owner,
		AcquiredAt:   &st.AcquiredAt,
		ExpiresAt:    &st.ExpiresAt,
		TTLRemaining: &ttl,
	}, nil
}

func (d *Dispatcher) locksRelease(ctx context.Context, call *Call) (any, error) {
	var args lockArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	key, err := args.storeKey()
	if err != nil {
		return nil, err
	}
	if args.Owner == "" {
		return nil, protocol.NewError(protocol.CodeInvalidArgument, "owner is required")
	}
	if err := d.locks.Release(ctx, key, args.Owner); err != nil {
		return nil, storageError(err)
	}
	return releasedResult{Released: true}, nil
}

func (d *Dispatcher) locksForceRelease(ctx context.Context, call *Call) (any, error) {
	if !d.isPrivileged(call.Caller) {
		return nil, storageError(fmt.Errorf("%w: %s may not force release locks", errForbidden, call.Caller))
	}
	var args lockArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	key, err := args.storeKey()
	if err != nil {
		return nil, err
	}
	if err := d.locks.ForceRelease(ctx, key); err != nil {
		return nil, storageError(err)
	}
	return releasedResult{Released: true}, nil
}

type operationArgs struct {
	OperationID string `json:"operation_id"`
}

func (a operationArgs) id() (string, error) {
	if a.OperationID == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument, "operation_id is required")
	}
	return a.OperationID, nil
}

type cancelResult struct {
	Cancelled bool             `json:"cancelled"`
	Status    operation.Status `json:"status,omitempty"`
}

type operationListArgs struct {
	Status   operation.Status `json:"status,omitempty"`
	Function string           `json:"function,omitempty"`
	Cursor   string           `json:"cursor,omitempty"`
	Limit    int              `json:"limit,omitempty"`
}

type operationListResult struct {
	Operations []operation.Operation `json:"operations"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

func (d *Dispatcher) operationsStatus(ctx context.Context, call *Call) (any, error) {
	var args operationArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	id, err := args.id()
	if err != nil {
		return nil, err
	}
	op, err := d.ownOperation(ctx, call, id)
	if err != nil {
		return nil, storageError(err)
	}
	return op, nil
}

func (d *Dispatcher) operationsCancel(ctx context.Context, call *Call) (any, error) {
	var args operationArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	id, err := args.id()
	if err != nil {
		return nil, err
	}
	if _, err := d.ownOperation(ctx, call, id); err != nil {
		return nil, storageError(err)
	}
	op, err := d.ops.Cancel(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	return cancelResult{Cancelled: true, Status: op.Status}, nil
}

// ownOperation returns the operation with id if the caller created it or is
// privileged. Anyone else is told it does not exist.
func (d *Dispatcher) ownOperation(ctx context.Context, call *Call, id string) (operation.Operation, error) {
	op, err := d.ops.Get(ctx, id)
	if err != nil {
		return operation.Operation{}, err
	}
	if op.Owner != call.Caller && !d.isPrivileged(call.Caller) {
		return operation.Operation{}, operation.ErrNotFound
	}
	return op, nil
}

// operationsList lists the caller's own operations.
func (d *Dispatcher) operationsList(ctx context.Context, call *Call) (any, error) {
	var args operationListArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	page, err := d.ops.List(ctx, operation.Filter{
		Owner:    call.Caller,
		Status:   args.Status,
		Function: args.Function,
		Cursor:   args.Cursor,
		Limit:    args.Limit,
	})
	if err != nil {
		return nil, storageError(err)
	}
	ops := page.Operations
	if ops == nil {
		ops = []operation.Operation{}
	}
	return operationListResult{Operations: ops, NextCursor: page.NextCursor}, nil
}

type replayArgs struct {
	ReplayID string `json:"replay_id"`
}

func (a replayArgs) id() (string, error) {
	if a.ReplayID == "" {
		return "", protocol.NewError(protocol.CodeInvalidArgument, "replay_id is required")
	}
	return a.ReplayID, nil
}

// ReplayView is the caller-facing shape of a replay entry. The journaled
// request stays internal.
type ReplayView struct {
	ReplayID          string          `json:"replay_id"`
	Function          string          `json:"function"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	Reason            string          `json:"reason"`
	Priority          replay.Priority `json:"priority"`
	Status            replay.Status   `json:"status"`
	QueuedAt          time.Time       `json:"queued_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	NextAttemptAt     time.Time       `json:"next_attempt_at"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *protocol.Error `json:"error,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CallbackDelivered bool            `json:"callback_delivered"`
}

// NewReplayView builds the view of e.
func NewReplayView(e replay.Entry) ReplayView {
	return ReplayView{
		ReplayID:          e.ID,
		Function:          e.Request.Call.Function,
		IdempotencyKey:    e.IdempotencyKey,
		Reason:            e.Reason,
		Priority:          e.Priority,
		Status:            e.Status,
		QueuedAt:          e.QueuedAt,
		ExpiresAt:         e.ExpiresAt,
		NextAttemptAt:     e.NextAttemptAt,
		Attempts:          e.Attempts,
		MaxAttempts:       e.MaxAttempts,
		Result:            e.Result,
		Error:             e.Error,
		CompletedAt:       e.CompletedAt,
		CallbackDelivered: e.CallbackDelivered,
	}
}

type replayListArgs struct {
	Status   replay.Status   `json:"status,omitempty"`
	Priority replay.Priority `json:"priority,omitempty"`
	Cursor   string          `json:"cursor,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

type replayListResult struct {
	Entries    []ReplayView `json:"entries"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type replayCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type triggerResult struct {
	Triggered bool          `json:"triggered"`
	Status    replay.Status `json:"status"`
}

func (d *Dispatcher) replayStatus(ctx context.Context, call *Call) (any, error) {
	var args replayArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	id, err := args.id()
	if err != nil {
		return nil, err
	}
	e, err := d.replays.Get(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	return NewReplayView(e), nil
}

func (d *Dispatcher) replayCancel(ctx context.Context, call *Call) (any, error) {
	var args replayArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	id, err := args.id()
	if err != nil {
		return nil, err
	}
	if _, err := d.replays.Cancel(ctx, id); err != nil {
		return nil, storageError(err)
	}
	return replayCancelResult{Cancelled: true}, nil
}

func (d *Dispatcher) replayList(ctx context.Context, call *Call) (any, error) {
	var args replayListArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	page, err := d.replays.List(ctx, replay.Filter{
		Status:   args.Status,
		Priority: args.Priority,
		Cursor:   args.Cursor,
		Limit:    args.Limit,
	})
	if err != nil {
		return nil, storageError(err)
	}
	views := make([]ReplayView, 0, len(page.Entries))
	for _, e := range page.Entries {
		views = append(views, NewReplayView(e))
	}
	return replayListResult{Entries: views, NextCursor: page.NextCursor}, nil
}

// replayTrigger drains one entry now. The attempt runs inside this call,
// so its outcome is the returned status.
func (d *Dispatcher) replayTrigger(ctx context.Context, call *Call) (any, error) {
	var args replayArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	id, err := args.id()
	if err != nil {
		return nil, err
	}
	e, err := d.drainer.Trigger(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	return triggerResult{Triggered: e.Status != replay.StatusExpired, Status: e.Status}, nil
}
