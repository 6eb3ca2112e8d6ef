package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/webhook"
)

const (
	DefaultDrainInterval  = time.Second
	DefaultAttemptTimeout = time.Minute
)

// Executor resubmits a claimed entry's request through the dispatch path.
type Executor interface {
	Replay(ctx context.Context, e Entry) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, e Entry) Outcome

func (f ExecutorFunc) Replay(ctx context.Context, e Entry) Outcome {
	return f(ctx, e)
}

// Notifier delivers callbacks for terminal entries.
type Notifier interface {
	Deliver(ctx context.Context, url string, p webhook.Payload) error
}

// DrainerOptions configures a Drainer. Zero values select defaults.
type DrainerOptions struct {
	Interval       time.Duration
	AttemptTimeout time.Duration

	// Rate bounds attempts per second. Zero means unlimited.
	Rate  float64
	Burst int

	Notifier Notifier
	Logger   *slog.Logger
}

// Drainer executes queued entries in priority order.
//
// Several drainers, in one process or many, may share a queue; the claim
// CAS guarantees each attempt runs on exactly one of them.
type Drainer struct {
	queue          *Queue
	exec           Executor
	notifier       Notifier
	limiter        *rate.Limiter
	interval       time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// NewDrainer creates a Drainer that runs entries of q through exec.
func NewDrainer(q *Queue, exec Executor, opts DrainerOptions) *Drainer {
	d := &Drainer{
		queue:          q,
		exec:           exec,
		notifier:       opts.Notifier,
		interval:       opts.Interval,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
	}
	if d.interval <= 0 {
		d.interval = DefaultDrainInterval
	}
	if d.attemptTimeout <= 0 {
		d.attemptTimeout = DefaultAttemptTimeout
	}
	if d.logger == nil {
		d.logger = q.logger
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(limit, burst)
	return d
}

// Run drains until ctx is done, waking on the interval or when an entry is
// enqueued.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("replay drainer starting", "interval", d.interval)
	for {
		if _, err := d.DrainOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("replay drain pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-d.queue.wake.C():
			continue
		case <-d.queue.clock.After(d.interval):
			continue
		}
		break
	}
	d.logger.Info("replay drainer stopping")
	return ctx.Err()
}

// DrainOnce redelivers owed callbacks, then executes eligible entries until
// none remain. It returns the number of attempts made.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	if err := d.redeliver(ctx); err != nil {
		return 0, err
	}

	attempts := 0
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return attempts, err
		}
		e, ok, err := d.queue.Claim(ctx)
		if err != nil {
			return attempts, err
		}
		if !ok {
			return attempts, nil
		}
		d.process(ctx, e)
		attempts++
	}
}

// Trigger executes the queued entry id immediately, ignoring its backoff
// schedule, and returns the entry after the attempt.
func (d *Drainer) Trigger(ctx context.Context, id string) (Entry, error) {
	e, err := d.queue.ClaimID(ctx, id)
	if err != nil {
		return e, err
	}
	if e.Status == StatusExpired {
		d.notify(ctx, e)
		return e, nil
	}
	return d.process(ctx, e), nil
}

func (d *Drainer) process(ctx context.Context, e Entry) Entry {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	out := d.execute(attemptCtx, e)
	cancel()

	finished, err := d.queue.Finish(ctx, e, out)
	if errors.Is(err, ErrCannotTransition) {
		d.logger.Warn("replay attempt superseded", "replay_id", e.ID, "attempt", e.Attempts)
		return finished
	}
	if err != nil {
		// The claim expires and another pass picks the entry up again.
		d.logger.Error("replay finish failed", "replay_id", e.ID, "error", err)
		return e
	}
	if finished.Status.Terminal() {
		finished = d.notify(ctx, finished)
	}
	return finished
}

func (d *Drainer) execute(ctx context.Context, e Entry) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("replay executor panicked", "replay_id", e.ID, "panic", r)
			out = Outcome{Err: protocol.NewError(protocol.CodeInternalError, "replay execution panicked: %v", r)}
		}
	}()
	return d.exec.Replay(ctx, e)
}

// notify delivers the callback for a terminal entry at most once.
func (d *Drainer) notify(ctx context.Context, e Entry) Entry {
	if d.notifier == nil || !e.wantsCallback() {
		return e
	}
	err := d.notifier.Deliver(ctx, e.CallbackURL, webhook.Payload{
		ReplayID: e.ID,
		Status:   string(e.Status),
		Result:   e.Result,
		Error:    e.Error,
	})
	marked, markErr := d.queue.MarkCallback(ctx, e.ID, err == nil)
	if markErr != nil {
		d.logger.Error("replay callback bookkeeping failed", "replay_id", e.ID, "error", markErr)
		return e
	}
	return marked
}

func (d *Drainer) redeliver(ctx context.Context) error {
	if d.notifier == nil {
		return nil
	}
	pending, err := d.queue.PendingCallbacks(ctx)
	if err != nil {
		return fmt.Errorf("list pending callbacks: %w", err)
	}
	for _, e := range pending {
		d.notify(ctx, e)
	}
	return nil
}
