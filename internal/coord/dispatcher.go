package coord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/idempotency"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/lock"
	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
	"github.com/roach88/vend/internal/store"
)

const (
	// DefaultLockTTL applies when neither the request nor a policy names one.
	DefaultLockTTL = 30 * time.Second

	// DefaultCaller identifies requests that carry no caller.
	DefaultCaller = "anonymous"

	idempotencyRetryAfter = time.Second
	tracerName            = "github.com/roach88/vend/internal/coord"
)

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	Clock clock.Clock

	// IDs generates operation and replay ids.
	IDs ids.Generator

	// Tokens generates lock owner tokens.
	Tokens ids.Generator

	LockMaxTTL         time.Duration
	DefaultLockTTL     time.Duration
	IdempotencyTTL     time.Duration
	OperationRetention time.Duration

	ReplayRetention   time.Duration
	ReplayMaxAttempts int
	ReplayBackoffBase time.Duration
	ReplayBackoffMax  time.Duration
	Drain             replay.DrainerOptions

	// MaxInFlight bounds concurrent executions. Zero means unlimited.
	MaxInFlight int64
	Maintenance bool

	// SyncBudget is how long a call declaring the async extension may run
	// before it is handed off to an operation. Zero disables the budget.
	SyncBudget time.Duration

	// PrivilegedCallers may call locks.forceRelease and read or cancel any
	// caller's operations.
	PrivilegedCallers []string

	// PollURL is the base URL operation fragments point clients at.
	PollURL string

	// Notifier delivers operation and replay callbacks.
	Notifier replay.Notifier

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Dispatcher is the CoordinationDispatcher. It runs each request through
// lock, idempotency, async and replay handling around the registered
// function.
//
// Thread-safety: Dispatch is safe for concurrent use. Register and
// ApplyPolicy are meant to run before serving starts.
type Dispatcher struct {
	registry *registry
	policyMu sync.RWMutex
	policies map[string]Policy

	locks    *lock.Manager
	idem     *idempotency.Store
	ops      *operation.Registry
	replays  *replay.Queue
	drainer  *replay.Drainer
	gate     *Gate
	notifier replay.Notifier

	clock          clock.Clock
	defaultLockTTL time.Duration
	syncBudget     time.Duration
	privileged     map[string]bool
	pollURL        string

	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	background sync.WaitGroup
}

// New creates a Dispatcher whose managers share s. The system functions
// are registered immediately.
func New(s store.AtomicStore, opts Options) *Dispatcher {
	clk := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		registry:       newRegistry(),
		policies:       make(map[string]Policy),
		gate:           NewGate(opts.MaxInFlight),
		notifier:       opts.Notifier,
		clock:          clk,
		defaultLockTTL: opts.DefaultLockTTL,
		syncBudget:     opts.SyncBudget,
		privileged:     make(map[string]bool),
		pollURL:        strings.TrimRight(opts.PollURL, "/"),
		logger:         logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	if d.defaultLockTTL <= 0 {
		d.defaultLockTTL = DefaultLockTTL
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	for _, c := range opts.PrivilegedCallers {
		d.privileged[c] = true
	}
	d.gate.SetMaintenance(opts.Maintenance)

	d.locks = lock.New(s, lock.Options{
		Clock:   clk,
		Tokens:  opts.Tokens,
		MaxTTL:  opts.LockMaxTTL,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	d.idem = idempotency.New(s, idempotency.Options{
		Clock:      clk,
		DefaultTTL: opts.IdempotencyTTL,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	d.ops = operation.New(s, operation.Options{
		Clock:     clk,
		IDs:       opts.IDs,
		Retention: opts.OperationRetention,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	d.replays = replay.New(s, replay.Options{
		Clock:       clk,
		IDs:         opts.IDs,
		Retention:   opts.ReplayRetention,
		MaxAttempts: opts.ReplayMaxAttempts,
		BackoffBase: opts.ReplayBackoffBase,
		BackoffMax:  opts.ReplayBackoffMax,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})

	drain := opts.Drain
	if drain.Notifier == nil {
		drain.Notifier = opts.Notifier
	}
	if drain.Logger == nil {
		drain.Logger = logger
	}
	d.drainer = replay.NewDrainer(d.replays, d, drain)

	d.registerSystemFunctions()
	return d
}

// Register adds f to the function registry.
func (d *Dispatcher) Register(f Function) error {
	f.system = false
	return d.registry.register(f)
}

// Functions lists the registered functions.
func (d *Dispatcher) Functions() []Function {
	return d.registry.list()
}

// The managers are exposed for the transport and CLI.

func (d *Dispatcher) Locks() *lock.Manager { return d.locks }
func (d *Dispatcher) Idempotency() *idempotency.Store { return d.idem }
func (d *Dispatcher) Operations() *operation.Registry { return d.ops }
func (d *Dispatcher) Replays() *replay.Queue { return d.replays }
func (d *Dispatcher) Drainer() *replay.Drainer { return d.drainer }
func (d *Dispatcher) Gate() *Gate { return d.gate }

// Dispatch executes req and returns its response. It never returns an
// error: every failure is carried in the response envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) *protocol.Response {
	return d.dispatch(ctx, req, false)
}

// Replay resubmits a queued request. It implements replay.Executor; a
// replayed request is never deferred again, and retryable errors are
// reported as transient.
func (d *Dispatcher) Replay(ctx context.Context, e replay.Entry) replay.Outcome {
	resp := d.dispatch(ctx, e.Request, true)
	if !resp.Failed() {
		return replay.Outcome{Result: resp.Result}
	}
	perr := resp.Errors[0]
	return replay.Outcome{Err: perr, Transient: perr.Retryable}
}

// Wait blocks until background executions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background executions: %w", ctx.Err())
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request, replayed bool) *protocol.Response {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "vend.dispatch", trace.WithAttributes(
		attribute.String("vend.function", req.Call.Function),
		attribute.String("vend.request_id", req.ID),
		attribute.Bool("vend.replayed", replayed),
	))
	defer span.End()

	resp := protocol.NewResponse(req)
	x, perr := d.prepare(req, replayed, resp)
	if perr != nil {
		resp.AddError(perr)
	} else {
		x.run(ctx)
		x.attachFragments()
	}

	outcome := outcomeOf(resp)
	span.SetAttributes(attribute.String("vend.outcome", outcome))
	if resp.Failed() {
		span.SetStatus(codes.Error, string(resp.Errors[0].Code))
	}
	d.metrics.ObserveDispatch(req.Call.Function, outcome, time.Since(start))
	d.logger.Debug("request dispatched",
		"request_id", req.ID,
		"function", req.Call.Function,
		"outcome", outcome,
		"replayed", replayed,
	)
	return resp
}

func outcomeOf(resp *protocol.Response) string {
	if resp.Failed() {
		return "error"
	}
	if _, ok := resp.Fragment(protocol.URNReplay); ok {
		return "deferred"
	}
	if _, ok := resp.Fragment(protocol.URNAsync); ok {
		return "async"
	}
	return "ok"
}

func (d *Dispatcher) isPrivileged(caller string) bool {
	return d.privileged[caller]
}

func (d *Dispatcher) pollURLFor(id string) string {
	if d.pollURL == "" {
		return ""
	}
	return d.pollURL + "/operations/" + id
}
