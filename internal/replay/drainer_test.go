package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/webhook"
)

type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	out   func(e Entry) Outcome
}

func (r *recordingExecutor) Replay(_ context.Context, e Entry) Outcome {
	r.mu.Lock()
	r.order = append(r.order, e.Request.Call.Function)
	r.mu.Unlock()
	if r.out != nil {
		return r.out(e)
	}
	return Outcome{Result: json.RawMessage(`{"ok":true}`)}
}

func (r *recordingExecutor) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	err      error
}

func (n *fakeNotifier) Deliver(_ context.Context, _ string, p webhook.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return n.err
}

func (n *fakeNotifier) delivered() []webhook.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webhook.Payload(nil), n.payloads...)
}

func enqueue(t *testing.T, q *Queue, function string, prio Priority, callback string) Entry {
	t.Helper()
	e, err := q.Enqueue(context.Background(), EnqueueParams{
		Request:     testRequest(function),
		Reason:      protocol.ReasonMaintenance,
		TTL:         time.Hour,
		Priority:    prio,
		CallbackURL: callback,
	})
	require.NoError(t, err)
	return e
}

func TestDrainer_HighPriorityDrainsFirstAndCallsBackOnce(t *testing.T) {
	ctx := context.Background()
	q, clk := newTestQueue(t)

	var (
		hits     atomic.Int32
		mu       sync.Mutex
		headers  []string
		received []webhook.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p webhook.Payload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		headers = append(headers, r.Header.Get(webhook.HeaderDelivery))
		received = append(received, p)
		mu.Unlock()
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	low := enqueue(t, q, "reports.low", PriorityLow, "")
	clk.Advance(time.Second)
	high := enqueue(t, q, "reports.high", PriorityHigh, srv.URL)

	exec := &recordingExecutor{}
	d := NewDrainer(q, exec, DrainerOptions{
		Notifier: webhook.New(webhook.Options{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		}),
	})

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"reports.high", "reports.low"}, exec.calls())

	got, err := q.Get(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.True(t, got.CallbackDelivered)

	got, err = q.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// Further passes must not deliver again.
	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{high.ID}, headers)
	require.Len(t, received, 1)
	assert.Equal(t, high.ID, received[0].ReplayID)
	assert.Equal(t, "completed", received[0].Status)
}

func TestDrainer_TransientFailureRetriesAfterBackoff(t *testing.T) {
	ctx := context.Background()
	q, clk := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "")

	attempts := 0
	exec := &recordingExecutor{out: func(Entry) Outcome {
		attempts++
		if attempts == 1 {
			return Outcome{Err: protocol.Unavailable(protocol.ReasonCapacity), Transient: true}
		}
		return Outcome{Result: json.RawMessage(`1`)}
	}}
	d := NewDrainer(q, exec, DrainerOptions{})

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	// Not yet due.
	n, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(DefaultBackoffBase)
	n, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestDrainer_ExecutorPanicFailsEntry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	e := enqueue(t, q, "boom", PriorityNormal, "")

	d := NewDrainer(q, ExecutorFunc(func(context.Context, Entry) Outcome {
		panic("handler exploded")
	}), DrainerOptions{})

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, protocol.CodeInternalError, got.Error.Code)
}

func TestDrainer_AttemptHasDeadline(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueue(t, q, "slow", PriorityNormal, "")

	var hadDeadline bool
	d := NewDrainer(q, ExecutorFunc(func(ctx context.Context, _ Entry) Outcome {
		_, hadDeadline = ctx.Deadline()
		return Outcome{}
	}), DrainerOptions{AttemptTimeout: time.Second})

	_, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, hadDeadline)
}

func TestDrainer_TriggerIgnoresBackoff(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "")

	calls := 0
	d := NewDrainer(q, ExecutorFunc(func(context.Context, Entry) Outcome {
		calls++
		if calls == 1 {
			return Outcome{Err: protocol.Unavailable(protocol.ReasonCapacity), Transient: true}
		}
		return Outcome{Result: json.RawMessage(`"done"`)}
	}), DrainerOptions{})

	_, err := d.DrainOnce(ctx)
	require.NoError(t, err)

	got, err := d.Trigger(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `"done"`, string(got.Result))
}

func TestDrainer_TriggerTerminalEntryRefused(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "")
	d := NewDrainer(q, &recordingExecutor{}, DrainerOptions{})

	_, err := d.DrainOnce(ctx)
	require.NoError(t, err)

	_, err = d.Trigger(ctx, e.ID)
	assert.ErrorIs(t, err, ErrCannotTransition)

	_, err = d.Trigger(ctx, "rp-9999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDrainer_TriggerExpiredEntry(t *testing.T) {
	ctx := context.Background()
	q, clk := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "https://hooks.example.com/vend")

	notifier := &fakeNotifier{}
	exec := &recordingExecutor{}
	d := NewDrainer(q, exec, DrainerOptions{Notifier: notifier})

	clk.Advance(2 * time.Hour)
	got, err := d.Trigger(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Empty(t, exec.calls())

	payloads := notifier.delivered()
	require.Len(t, payloads, 1)
	assert.Equal(t, "expired", payloads[0].Status)
}

func TestDrainer_ExpiredEntryCallbackOnNextPass(t *testing.T) {
	ctx := context.Background()
	q, clk := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "https://hooks.example.com/vend")

	notifier := &fakeNotifier{}
	d := NewDrainer(q, &recordingExecutor{}, DrainerOptions{Notifier: notifier})

	clk.Advance(2 * time.Hour)
	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	payloads := notifier.delivered()
	require.Len(t, payloads, 1)
	assert.Equal(t, e.ID, payloads[0].ReplayID)
}

func TestDrainer_FailedCallbacksAreRetriedBoundedTimes(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "https://hooks.example.com/vend")

	notifier := &fakeNotifier{err: errors.New("connection refused")}
	d := NewDrainer(q, &recordingExecutor{}, DrainerOptions{Notifier: notifier})

	for range 5 {
		_, err := d.DrainOnce(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, notifier.delivered(), maxCallbackRounds)
	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.CallbackDelivered)
	assert.Equal(t, maxCallbackRounds, got.CallbackRounds)
}

func TestDrainer_CancelledEntryHasNoCallback(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	e := enqueue(t, q, "inventory.sync", PriorityNormal, "https://hooks.example.com/vend")
	_, err := q.Cancel(ctx, e.ID)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	d := NewDrainer(q, &recordingExecutor{}, DrainerOptions{Notifier: notifier})
	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, notifier.delivered())
}

func TestDrainer_RunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	exec := &recordingExecutor{}
	d := NewDrainer(q, exec, DrainerOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	enqueue(t, q, "wakes.drainer", PriorityNormal, "")
	require.Eventually(t, func() bool { return len(exec.calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("drainer did not stop")
	}
}
