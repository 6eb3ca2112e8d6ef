package coord

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/vend/internal/idempotency"
	"github.com/roach88/vend/internal/lock"
	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
	"github.com/roach88/vend/internal/webhook"
)

// execution carries one request through the coordination steps.
type execution struct {
	d        *Dispatcher
	req      protocol.Request
	fn       *Function
	call     *Call
	resp     *protocol.Response
	replayed bool

	lock          *lockPlan
	idem          *idempotencyPlan
	async         *asyncPlan
	replay        *replayPlan
	argumentsHash string

	owner     string
	lockHeld  bool
	keyHash   string
	handedOff bool

	frags fragments
}

type result struct {
	value json.RawMessage
	err   *protocol.Error
}

func (r result) unavailable() bool {
	return r.err != nil && r.err.Code == protocol.CodeServiceUnavailable
}

// run applies, in order: lock, idempotency, admission, execution, replay
// deferral and lock release.
func (x *execution) run(ctx context.Context) {
	if x.lock != nil {
		if perr := x.acquireLock(ctx); perr != nil {
			x.resp.AddError(perr)
			return
		}
		defer func() {
			// Background execution releases the lock when it finishes.
			if !x.handedOff {
				x.releaseLock(ctx)
			}
		}()
	}

	if x.idem != nil && !x.beginIdempotency(ctx) {
		return
	}

	release, perr := x.admit()
	if perr != nil {
		x.deferOrFail(ctx, perr)
		return
	}

	switch {
	case x.async != nil && x.async.preferred:
		x.startAsync(ctx, release)
	case x.async != nil && x.async.budget > 0:
		x.runWithBudget(ctx, release)
	default:
		res := x.execute(ctx)
		release()
		x.finish(ctx, res)
	}
}

func (x *execution) acquireLock(ctx context.Context) *protocol.Error {
	p := x.lock
	locks := x.d.locks

	var (
		acq lock.Acquisition
		err error
	)
	if p.wait > 0 {
		acq, err = locks.AcquireBlocking(ctx, p.key, p.ttl, p.wait, p.owner)
	} else {
		acq, err = locks.Acquire(ctx, p.key, p.ttl, p.owner)
	}
	timedOut := errors.Is(err, lock.ErrTimeout)
	if err != nil && !timedOut {
		return storageError(err)
	}

	x.frags.lock = &lockFragment{
		Key:       p.declared,
		Acquired:  acq.Acquired,
		Owner:     acq.Lock.Owner,
		ExpiresAt: acq.Lock.ExpiresAt,
	}
	switch {
	case timedOut:
		return protocol.NewError(protocol.CodeLockTimeout, "timed out after %s waiting for lock %q", p.wait, p.declared).
			WithRetryAfter(acq.RetryAfter)
	case !acq.Acquired:
		return protocol.NewError(protocol.CodeLockHeld, "lock %q is held", p.declared).
			WithRetryAfter(acq.RetryAfter)
	}
	x.owner = acq.Lock.Owner
	x.lockHeld = true
	return nil
}

// releaseLock runs even when the request context is gone. A failure leaves
// the lock to expire with its TTL.
func (x *execution) releaseLock(ctx context.Context) {
	if !x.lockHeld || !x.lock.autoRelease {
		return
	}
	err := x.d.locks.Release(context.WithoutCancel(ctx), x.lock.key, x.owner)
	if err != nil {
		x.d.logger.Warn("lock release failed",
			"key", x.lock.key,
			"request_id", x.req.ID,
			"error", err,
		)
		return
	}
	x.lockHeld = false
}

// beginIdempotency reports whether execution should proceed.
func (x *execution) beginIdempotency(ctx context.Context) bool {
	p := x.idem
	out, err := x.d.idem.Begin(ctx, p.key, x.fn.Name, x.fn.Version, x.argumentsHash, p.ttl)
	if err != nil {
		x.resp.AddError(storageError(err))
		return false
	}

	switch out.Decision {
	case idempotency.DecisionNovel:
		x.keyHash = out.Record.KeyHash
		x.frags.idem = &idempotencyFragment{Key: p.key, Status: string(idempotency.DecisionNovel)}
		return true
	case idempotency.DecisionCached:
		x.frags.idem = &idempotencyFragment{Key: p.key, Status: string(idempotency.DecisionCached)}
		rec := out.Record
		if rec.Status == idempotency.StatusFailed && rec.Error != nil {
			x.resp.AddError(rec.Error)
		} else {
			x.resp.Result = rec.Result
		}
	case idempotency.DecisionProcessing:
		x.resp.AddError(protocol.NewError(protocol.CodeIdempotencyProcessing,
			"request with idempotency key %q is still processing", p.key).
			WithRetryAfter(idempotencyRetryAfter))
	case idempotency.DecisionConflict:
		x.resp.AddError(protocol.NewError(protocol.CodeIdempotencyConflict,
			"idempotency key %q was used with different arguments", p.key))
	}
	return false
}

func (x *execution) admit() (func(), *protocol.Error) {
	if x.fn.system {
		return func() {}, nil
	}
	return x.d.gate.Admit()
}

// execute runs the handler. A panic becomes an internal error.
func (x *execution) execute(ctx context.Context) (res result) {
	ctx, span := x.d.tracer.Start(ctx, "vend.execute", trace.WithAttributes(
		attribute.String("vend.function", x.fn.Name),
		attribute.String("vend.version", x.fn.Version),
	))
	defer span.End()

	done := x.d.metrics.ExecutionStarted()
	defer done()

	defer func() {
		if r := recover(); r != nil {
			x.d.logger.Error("function panicked",
				"function", x.fn.Name,
				"request_id", x.req.ID,
				"panic", r,
			)
			res = result{err: protocol.NewError(protocol.CodeInternalError, "function %s panicked: %v", x.fn.Name, r)}
		}
	}()

	v, err := x.fn.Handler(ctx, x.call)
	if err != nil {
		return result{err: handlerError(err)}
	}
	raw, err := marshalResult(v)
	if err != nil {
		return result{err: protocol.NewError(protocol.CodeInternalError, "encode result: %v", err)}
	}
	return result{value: raw}
}

func marshalResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}
	return json.Marshal(v)
}

// finish settles a synchronous execution.
func (x *execution) finish(ctx context.Context, res result) {
	if res.unavailable() {
		x.deferOrFail(ctx, res.err)
		return
	}
	x.settleIdempotency(ctx, res)
	if res.err != nil {
		x.resp.AddError(res.err)
		return
	}
	x.resp.Result = res.value
}

// deferOrFail handles a request that could not run. The idempotency record
// is dropped since nothing executed; with replay declared the request is
// queued instead of failing.
func (x *execution) deferOrFail(ctx context.Context, perr *protocol.Error) {
	x.abandonIdempotency(ctx)
	if x.replay == nil {
		x.resp.AddError(perr)
		return
	}

	e, err := x.d.replays.Enqueue(ctx, replay.EnqueueParams{
		Request:     x.req,
		Reason:      protocol.UnavailableReason(perr),
		TTL:         x.replay.ttl,
		Priority:    x.replay.priority,
		CallbackURL: x.replay.callbackURL,
	})
	if err != nil {
		x.resp.AddError(storageError(err))
		return
	}
	x.frags.replay = &replayFragment{
		ReplayID:  e.ID,
		Status:    e.Status,
		QueuedAt:  e.QueuedAt,
		ExpiresAt: e.ExpiresAt,
	}
	x.d.logger.Info("request deferred to replay",
		"request_id", x.req.ID,
		"function", x.fn.Name,
		"replay_id", e.ID,
		"reason", e.Reason,
	)
}

func (x *execution) settleIdempotency(ctx context.Context, res result) {
	if x.keyHash == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if res.err != nil {
		err = x.d.idem.Fail(ctx, x.keyHash, res.err)
	} else {
		err = x.d.idem.Complete(ctx, x.keyHash, res.value)
	}
	if err != nil {
		x.d.logger.Error("idempotency settle failed",
			"key_hash", x.keyHash,
			"request_id", x.req.ID,
			"error", err,
		)
	}
}

func (x *execution) abandonIdempotency(ctx context.Context) {
	if x.keyHash == "" {
		return
	}
	err := x.d.idem.Abandon(context.WithoutCancel(ctx), x.keyHash)
	if err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		x.d.logger.Error("idempotency abandon failed",
			"key_hash", x.keyHash,
			"request_id", x.req.ID,
			"error", err,
		)
	}
	x.keyHash = ""
}

// startAsync registers an operation, answers with its id and executes in
// the background.
func (x *execution) startAsync(ctx context.Context, release func()) {
	op, err := x.d.ops.Create(ctx, x.fn.Name, x.fn.Version, x.call.Caller, x.call.cancelable)
	if err != nil {
		release()
		x.abandonIdempotency(ctx)
		x.resp.AddError(storageError(err))
		return
	}
	x.attachOperation(op)
	x.handedOff = true

	bg := context.WithoutCancel(ctx)
	x.d.background.Add(1)
	go func() {
		defer x.d.background.Done()

		started, err := x.d.ops.MarkProcessing(bg, op.ID)
		if err != nil {
			x.d.logger.Error("operation start failed", "operation_id", op.ID, "error", err)
		}
		if started.Status.Terminal() {
			// Cancelled before it began.
			release()
			x.settleIdempotency(bg, cancelledResult(op.ID))
			x.releaseLock(bg)
			x.notifyOperation(bg, op.ID)
			return
		}
		x.call.signal.Store(x.d.ops.Signal(op.ID))
		res := x.execute(bg)
		release()
		x.finishAsync(bg, op.ID, res)
	}()
}

// runWithBudget executes synchronously but moves the call to an operation
// once the sync budget elapses.
func (x *execution) runWithBudget(ctx context.Context, release func()) {
	bg := context.WithoutCancel(ctx)
	done := make(chan result, 1)
	go func() { done <- x.execute(bg) }()

	select {
	case res := <-done:
		release()
		x.finish(ctx, res)
		return
	case <-x.d.clock.After(x.async.budget):
	}

	op, err := x.d.ops.Create(ctx, x.fn.Name, x.fn.Version, x.call.Caller, x.call.cancelable)
	if err != nil {
		x.d.logger.Error("operation create failed, waiting for result", "request_id", x.req.ID, "error", err)
		res := <-done
		release()
		x.finish(ctx, res)
		return
	}
	if started, err := x.d.ops.MarkProcessing(ctx, op.ID); err == nil {
		op = started
	}
	x.call.signal.Store(x.d.ops.Signal(op.ID))
	x.attachOperation(op)
	x.handedOff = true

	x.d.background.Add(1)
	go func() {
		defer x.d.background.Done()
		res := <-done
		release()
		x.finishAsync(bg, op.ID, res)
	}()
}

// finishAsync settles a background execution against its operation. The
// idempotency record follows the operation's terminal state.
func (x *execution) finishAsync(ctx context.Context, id string, res result) {
	var (
		applied bool
		err     error
	)
	if res.err != nil {
		applied, err = x.d.ops.Fail(ctx, id, []*protocol.Error{res.err})
	} else {
		applied, err = x.d.ops.Complete(ctx, id, res.value)
	}
	if err != nil {
		x.d.logger.Error("operation settle failed", "operation_id", id, "error", err)
	}

	switch {
	case res.unavailable():
		x.abandonIdempotency(ctx)
	case err == nil && !applied:
		// Cancelled while running.
		x.settleIdempotency(ctx, cancelledResult(id))
	default:
		x.settleIdempotency(ctx, res)
	}

	x.releaseLock(ctx)
	x.notifyOperation(ctx, id)
}

func cancelledResult(id string) result {
	return result{err: protocol.NewError(protocol.CodeOperationCancelled, "operation %s was cancelled", id)}
}

func (x *execution) notifyOperation(ctx context.Context, id string) {
	if x.async == nil || x.async.callbackURL == "" || x.d.notifier == nil {
		return
	}
	op, err := x.d.ops.Get(ctx, id)
	if err != nil {
		x.d.logger.Error("operation callback skipped", "operation_id", id, "error", err)
		return
	}
	p := webhook.Payload{
		OperationID: op.ID,
		Status:      string(op.Status),
		Result:      op.Result,
	}
	if len(op.Errors) > 0 {
		p.Error = op.Errors[0]
	}
	if err := x.d.notifier.Deliver(ctx, x.async.callbackURL, p); err != nil {
		x.d.logger.Warn("operation callback failed", "operation_id", id, "error", err)
	}
}

func (x *execution) attachOperation(op operation.Operation) {
	x.frags.op = &operationFragment{
		OperationID: op.ID,
		Status:      op.Status,
		PollURL:     x.d.pollURLFor(op.ID),
	}
}

func (x *execution) attachFragments() {
	x.frags.attach(x.resp)
}
