package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/vend/internal/builtin"
	"github.com/roach88/vend/internal/catalog"
	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
	"github.com/roach88/vend/internal/webhook"
)

// Epoch is where every scenario clock starts.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// SettleTimeout bounds how long wait steps and the end of a run wait for
// background executions.
const SettleTimeout = 5 * time.Second

// ErrUnsettled is returned when background executions outlive
// SettleTimeout, typically a vend.sleep waiting on an advance that never
// comes.
var ErrUnsettled = errors.New("background executions did not settle")

var shortNames = map[string]string{
	protocol.URNAtomicLock:  "lock",
	protocol.URNIdempotency: "idempotency",
	protocol.URNAsync:       "async",
	protocol.URNReplay:      "replay",
}

// Harness holds the state of one scenario run.
type Harness struct {
	scenario   *Scenario
	clock      *clock.Manual
	store      *store.Memory
	dispatcher *coord.Dispatcher
	callbacks  *recorder
	result     *Result

	settleTimeout time.Duration

	mu         sync.Mutex
	executions map[string]int
}

// Run executes s against a fresh dispatcher and evaluates its expect
// clauses and assertions. Failed checks are reported in the Result; the
// error is non-nil only when the scenario could not be run.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	h, err := New(s)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	for i, step := range s.Steps {
		if err := h.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Kind(), err)
		}
	}
	if err := h.settle(ctx); err != nil {
		return nil, err
	}
	h.flushCallbacks()
	for i, a := range s.Assertions {
		if err := h.assert(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return h.result, nil
}

// New builds the dispatcher for s: memory store, manual clock, builtin
// functions and the scenario catalog, if any.
func New(s *Scenario) (*Harness, error) {
	clk := clock.NewManual(Epoch)
	st := store.NewMemory(clk)
	h := &Harness{
		scenario:   s,
		clock:      clk,
		store:      st,
		callbacks:  &recorder{},
		result:     NewResult(),
		executions: make(map[string]int),

		settleTimeout: SettleTimeout,
	}

	cfg := s.Settings
	h.dispatcher = coord.New(st, coord.Options{
		Clock:             clk,
		IDs:               ids.NewSequenceGenerator("id"),
		Tokens:            ids.NewSequenceGenerator("owner"),
		LockMaxTTL:        time.Duration(cfg.LockMaxTTL),
		MaxInFlight:       cfg.MaxInFlight,
		Maintenance:       cfg.Maintenance,
		SyncBudget:        time.Duration(cfg.SyncBudget),
		ReplayMaxAttempts: cfg.ReplayMaxAttempts,
		PrivilegedCallers: cfg.PrivilegedCallers,
		PollURL:           cfg.PollURL,
		Notifier:          h.callbacks,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	for _, fn := range builtin.Functions(clk) {
		if err := h.dispatcher.Register(h.counted(fn)); err != nil {
			st.Close()
			return nil, fmt.Errorf("register %s: %w", fn.Name, err)
		}
	}
	if s.Catalog != "" {
		cat, err := catalog.Load(s.Catalog)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		if err := cat.Apply(h.dispatcher); err != nil {
			st.Close()
			return nil, err
		}
	}
	return h, nil
}

// Dispatcher exposes the dispatcher under test.
func (h *Harness) Dispatcher() *coord.Dispatcher { return h.dispatcher }

// Clock exposes the scenario clock.
func (h *Harness) Clock() *clock.Manual { return h.clock }

// Close releases the store.
func (h *Harness) Close() error {
	return h.store.Close()
}

// counted wraps fn so the harness can assert how often its handler ran.
func (h *Harness) counted(fn coord.Function) coord.Function {
	inner := fn.Handler
	name := fn.Name
	fn.Handler = func(ctx context.Context, call *coord.Call) (any, error) {
		h.mu.Lock()
		h.executions[name]++
		h.mu.Unlock()
		return inner(ctx, call)
	}
	return fn
}

func (h *Harness) executionCount(function string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executions[function]
}

func (h *Harness) step(ctx context.Context, i int, step Step) error {
	switch step.Kind() {
	case StepCall:
		return h.call(ctx, i, step)
	case StepAdvance:
		now := h.clock.Advance(time.Duration(step.Advance))
		h.result.add(TraceEvent{Type: StepAdvance, Now: now.Format(time.RFC3339)})
	case StepDrain:
		n, err := h.dispatcher.Drainer().DrainOnce(ctx)
		if err != nil {
			return err
		}
		h.result.add(TraceEvent{Type: StepDrain, Drained: &n})
		h.flushCallbacks()
	case StepMaintenance:
		on := *step.Maintenance
		h.dispatcher.Gate().SetMaintenance(on)
		h.result.add(TraceEvent{Type: StepMaintenance, Maintenance: &on})
	case StepWait:
		if err := h.settle(ctx); err != nil {
			return err
		}
		h.result.add(TraceEvent{Type: StepWait})
		h.flushCallbacks()
	default:
		return errors.New("step does nothing")
	}
	return nil
}

func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.settleTimeout)
	defer cancel()
	if err := h.dispatcher.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsettled, err)
	}
	return nil
}

func (h *Harness) call(ctx context.Context, i int, step Step) error {
	req, err := step.Call.request(fmt.Sprintf("req-%d", i+1))
	if err != nil {
		return err
	}
	resp := h.dispatcher.Dispatch(ctx, req)

	ev := TraceEvent{
		Type:     StepCall,
		Function: req.Call.Function,
		Caller:   req.Caller,
		Outcome:  StatusOK,
		Result:   resp.Result,
	}
	if resp.Failed() {
		ev.Outcome = StatusError
		ev.Code = string(resp.Errors[0].Code)
	}
	for _, x := range resp.Extensions {
		ev.Fragments = append(ev.Fragments, shortNames[x.URN])
	}
	h.result.add(ev)

	if step.Expect != nil {
		for _, msg := range checkExpect(*step.Expect, resp) {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, req.Call.Function, msg))
		}
	}
	return nil
}

// request builds the envelope the step describes.
func (c *CallStep) request(id string) (protocol.Request, error) {
	req := protocol.Request{
		Protocol: protocol.Version,
		ID:       id,
		Call:     protocol.Call{Function: c.Function, Version: c.Version},
		Caller:   c.Caller,
	}
	if c.Args != nil {
		raw, err := json.Marshal(c.Args)
		if err != nil {
			return protocol.Request{}, fmt.Errorf("encode args: %w", err)
		}
		req.Call.Arguments = raw
	}
	for _, ext := range []struct {
		urn     string
		options map[string]any
	}{
		{protocol.URNAtomicLock, c.Lock},
		{protocol.URNIdempotency, c.Idempotency},
		{protocol.URNAsync, c.Async},
		{protocol.URNReplay, c.Replay},
	} {
		if ext.options != nil {
			req.Extensions = append(req.Extensions, protocol.Extension{URN: ext.urn, Options: ext.options})
		}
	}
	return req, nil
}

func (h *Harness) flushCallbacks() {
	for _, d := range h.callbacks.take() {
		h.result.add(TraceEvent{
			Type:   EventCallback,
			Target: d.target,
			Status: d.payload.Status,
			Ref:    d.payload.ID(),
		})
	}
}

type delivery struct {
	target  string
	payload webhook.Payload
}

// recorder stands in for the webhook client.
type recorder struct {
	mu        sync.Mutex
	pending   []delivery
	delivered int
}

func (r *recorder) Deliver(_ context.Context, target string, p webhook.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, delivery{target: target, payload: p})
	r.delivered++
	return nil
}

// take returns the buffered deliveries ordered by target and id.
func (r *recorder) take() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	sort.Slice(out, func(i, j int) bool {
		if out[i].target != out[j].target {
			return out[i].target < out[j].target
		}
		return out[i].payload.ID() < out[j].payload.ID()
	})
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}
