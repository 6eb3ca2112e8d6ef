package coord

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
)

func waitBackground(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestAsync_PreferredReturnsOperation(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	d, _ := newTestDispatcher(t, Options{Notifier: notifier, PollURL: "https://vend.example.com/"})

	unblock := make(chan struct{})
	mustRegister(t, d, Function{Name: "reports.build", Handler: func(ctx context.Context, call *Call) (any, error) {
		<-unblock
		if err := call.Progress(ctx, 1); err != nil {
			return nil, err
		}
		return map[string]string{"url": "s3://reports/1"}, nil
	}})

	req := request("reports.build", `{}`, ext(protocol.URNAsync, map[string]any{
		"preferred":    true,
		"callback_url": "https://hooks.example.com/ops",
	}))
	req.Caller = "alice"
	resp := d.Dispatch(ctx, req)
	require.False(t, resp.Failed())
	assert.Nil(t, resp.Result)

	of := opFrag(t, resp)
	assert.Equal(t, operation.StatusPending, of.Status)
	assert.Equal(t, "https://vend.example.com/operations/"+of.OperationID, of.PollURL)

	close(unblock)
	waitBackground(t, d)

	statusReq := request(FuncOperationsStatus, `{"operation_id":"`+of.OperationID+`"}`)
	statusReq.Caller = "alice"
	status := d.Dispatch(ctx, statusReq)
	require.False(t, status.Failed())
	var op operation.Operation
	require.NoError(t, json.Unmarshal(mustJSON(t, status.Result), &op))
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.Equal(t, "alice", op.Owner)
	assert.Equal(t, 1.0, op.Progress)
	assert.JSONEq(t, `{"url":"s3://reports/1"}`, string(op.Result))

	payloads := notifier.delivered()
	require.Len(t, payloads, 1)
	assert.Equal(t, of.OperationID, payloads[0].OperationID)
	assert.Equal(t, "completed", payloads[0].Status)
	assert.Equal(t, "https://hooks.example.com/ops", notifier.urls[0])
}

func TestAsync_CooperativeCancel(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})

	started := make(chan struct{})
	mustRegister(t, d, Function{
		Name:         "batch.run",
		Capabilities: Cancelable,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			close(started)
			for {
				if err := call.Checkpoint(ctx); err != nil {
					return nil, err
				}
				time.Sleep(time.Millisecond)
			}
		},
	})

	resp := d.Dispatch(ctx, request("batch.run", `{}`, ext(protocol.URNAsync, map[string]any{"preferred": true})))
	require.False(t, resp.Failed())
	id := opFrag(t, resp).OperationID
	<-started

	cancelResp := d.Dispatch(ctx, request(FuncOperationsCancel, `{"operation_id":"`+id+`"}`))
	require.False(t, cancelResp.Failed())
	assert.JSONEq(t, `{"cancelled":true,"status":"cancelled"}`, string(cancelResp.Result))

	waitBackground(t, d)

	op, err := d.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCancelled, op.Status)
	assert.Equal(t, operation.SignalObserved, op.CancelSignal)

	again := d.Dispatch(ctx, request(FuncOperationsCancel, `{"operation_id":"`+id+`"}`))
	assert.Equal(t, protocol.CodeOperationCannotCancel, errorCode(t, again))
}

func TestAsync_PlainFunctionCannotBeCancelledWhileRunning(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})

	started := make(chan struct{})
	unblock := make(chan struct{})
	var (
		calls         int
		checkpointErr error
	)
	mustRegister(t, d, Function{Name: "pay", Handler: func(ctx context.Context, call *Call) (any, error) {
		calls++
		close(started)
		<-unblock
		checkpointErr = call.Checkpoint(ctx)
		return map[string]int{"charged": 1}, nil
	}})
	exts := []protocol.Extension{
		ext(protocol.URNIdempotency, map[string]any{"key": "pay-1"}),
		ext(protocol.URNAsync, map[string]any{"preferred": true}),
	}

	resp := d.Dispatch(ctx, request("pay", `{}`, exts...))
	id := opFrag(t, resp).OperationID
	<-started

	cancelResp := d.Dispatch(ctx, request(FuncOperationsCancel, `{"operation_id":"`+id+`"}`))
	assert.Equal(t, protocol.CodeOperationCannotCancel, errorCode(t, cancelResp))
	close(unblock)
	waitBackground(t, d)

	assert.NoError(t, checkpointErr)
	op, err := d.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.JSONEq(t, `{"charged":1}`, string(op.Result))

	retry := d.Dispatch(ctx, request("pay", `{}`, exts...))
	require.False(t, retry.Failed())
	assert.Equal(t, "cached", idemFrag(t, retry).Status)
	assert.JSONEq(t, `{"charged":1}`, string(retry.Result))
	assert.Equal(t, 1, calls)
}

func TestAsync_CancelledRunLeavesCancelledRecord(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})

	started := make(chan struct{})
	unblock := make(chan struct{})
	mustRegister(t, d, Function{
		Name:         "ship",
		Capabilities: Cancelable,
		Handler: func(context.Context, *Call) (any, error) {
			close(started)
			<-unblock
			return "shipped", nil
		},
	})
	exts := []protocol.Extension{
		ext(protocol.URNIdempotency, map[string]any{"key": "ship-1"}),
		ext(protocol.URNAsync, map[string]any{"preferred": true}),
	}

	resp := d.Dispatch(ctx, request("ship", `{}`, exts...))
	id := opFrag(t, resp).OperationID
	<-started

	cancelResp := d.Dispatch(ctx, request(FuncOperationsCancel, `{"operation_id":"`+id+`"}`))
	require.False(t, cancelResp.Failed())
	close(unblock)
	waitBackground(t, d)

	op, err := d.Operations().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCancelled, op.Status)
	assert.Empty(t, op.Result)

	retry := d.Dispatch(ctx, request("ship", `{}`, exts...))
	assert.Equal(t, protocol.CodeOperationCancelled, errorCode(t, retry))
	assert.Equal(t, "cached", idemFrag(t, retry).Status)
}

// gatedStore holds the first operation CAS until release is closed.
type gatedStore struct {
	store.AtomicStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) CompareAndSwap(ctx context.Context, ks store.Keyspace, key string, version int64, value []byte, expiresAt time.Time) (store.Record, error) {
	if ks == store.KeyspaceOperation {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.AtomicStore.CompareAndSwap(ctx, ks, key, version, value, expiresAt)
}

func TestAsync_CancelledBeforeStartNeverRuns(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testEpoch)
	mem := store.NewMemory(clk)
	t.Cleanup(func() { mem.Close() })
	gs := &gatedStore{AtomicStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	d := New(gs, Options{Clock: clk, IDs: ids.NewSequenceGenerator("id"), Tokens: ids.NewSequenceGenerator("owner")})

	var calls int
	mustRegister(t, d, Function{Name: "pay", Handler: func(context.Context, *Call) (any, error) {
		calls++
		return "paid", nil
	}})
	exts := []protocol.Extension{
		ext(protocol.URNIdempotency, map[string]any{"key": "pay-2"}),
		ext(protocol.URNAsync, map[string]any{"preferred": true}),
	}

	resp := d.Dispatch(ctx, request("pay", `{}`, exts...))
	id := opFrag(t, resp).OperationID
	<-gs.entered

	cancelResp := d.Dispatch(ctx, request(FuncOperationsCancel, `{"operation_id":"`+id+`"}`))
	require.False(t, cancelResp.Failed())
	close(gs.release)
	waitBackground(t, d)

	assert.Zero(t, calls)
	retry := d.Dispatch(ctx, request("pay", `{}`, exts...))
	assert.Equal(t, protocol.CodeOperationCancelled, errorCode(t, retry))
	assert.Zero(t, calls)
}

func TestOperations_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{PrivilegedCallers: []string{"ops"}})
	mustRegister(t, d, Function{Name: "export", Handler: func(context.Context, *Call) (any, error) {
		return "file-1", nil
	}})

	req := request("export", `{}`, ext(protocol.URNAsync, map[string]any{"preferred": true}))
	req.Caller = "alice"
	id := opFrag(t, d.Dispatch(ctx, req)).OperationID
	waitBackground(t, d)
	args := `{"operation_id":"` + id + `"}`

	for _, fn := range []string{FuncOperationsStatus, FuncOperationsCancel} {
		other := request(fn, args)
		other.Caller = "bob"
		assert.Equal(t, protocol.CodeOperationNotFound, errorCode(t, d.Dispatch(ctx, other)), fn)
	}

	own := request(FuncOperationsStatus, args)
	own.Caller = "alice"
	assert.False(t, d.Dispatch(ctx, own).Failed())

	admin := request(FuncOperationsStatus, args)
	admin.Caller = "ops"
	assert.False(t, d.Dispatch(ctx, admin).Failed())
}

func TestAsync_SyncBudgetHandsOff(t *testing.T) {
	ctx := context.Background()
	d, clk := newTestDispatcher(t, Options{SyncBudget: 2 * time.Second})

	unblock := make(chan struct{})
	mustRegister(t, d, Function{Name: "slow", Handler: func(context.Context, *Call) (any, error) {
		<-unblock
		return "late", nil
	}})

	respCh := make(chan *protocol.Response, 1)
	go func() {
		respCh <- d.Dispatch(ctx, request("slow", `{}`, ext(protocol.URNAsync, nil)))
	}()
	require.Eventually(t, func() bool { return clk.Pending() > 0 }, 5*time.Second, time.Millisecond)
	clk.Advance(2 * time.Second)

	resp := <-respCh
	require.False(t, resp.Failed())
	of := opFrag(t, resp)
	assert.Equal(t, operation.StatusProcessing, of.Status)

	close(unblock)
	waitBackground(t, d)

	op, err := d.Operations().Get(ctx, of.OperationID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.JSONEq(t, `"late"`, string(op.Result))
}

func TestAsync_FastCallStaysSynchronous(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{SyncBudget: time.Hour})
	mustRegister(t, d, Function{Name: "fast", Handler: func(context.Context, *Call) (any, error) { return 7, nil }})

	resp := d.Dispatch(ctx, request("fast", `{}`, ext(protocol.URNAsync, nil)))
	require.False(t, resp.Failed())
	assert.JSONEq(t, `7`, string(resp.Result))
	_, ok := resp.Fragment(protocol.URNAsync)
	assert.False(t, ok)
}

func TestAsync_LockHeldUntilBackgroundFinishes(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})

	unblock := make(chan struct{})
	mustRegister(t, d, Function{Name: "reindex", Handler: func(context.Context, *Call) (any, error) {
		<-unblock
		return nil, nil
	}})

	resp := d.Dispatch(ctx, request("reindex", `{}`,
		ext(protocol.URNAtomicLock, map[string]any{"key": "index", "scope": "global"}),
		ext(protocol.URNAsync, map[string]any{"preferred": true}),
	))
	require.False(t, resp.Failed())
	assert.Equal(t, []string{protocol.URNAtomicLock, protocol.URNAsync}, fragmentURNs(resp))

	st, err := d.Locks().Status(ctx, "index")
	require.NoError(t, err)
	assert.True(t, st.Locked)

	close(unblock)
	waitBackground(t, d)

	st, err = d.Locks().Status(ctx, "index")
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestAsync_IdempotentOperationCachesResult(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})
	mustRegister(t, d, Function{Name: "export", Handler: func(context.Context, *Call) (any, error) {
		return "file-1", nil
	}})
	exts := []protocol.Extension{
		ext(protocol.URNIdempotency, map[string]any{"key": "exp-1"}),
		ext(protocol.URNAsync, map[string]any{"preferred": true}),
	}

	first := d.Dispatch(ctx, request("export", `{}`, exts...))
	require.False(t, first.Failed())
	waitBackground(t, d)

	second := d.Dispatch(ctx, request("export", `{}`, exts...))
	require.False(t, second.Failed())
	assert.Equal(t, "cached", idemFrag(t, second).Status)
	assert.JSONEq(t, `"file-1"`, string(second.Result))
}

func mustJSON(t *testing.T, raw json.RawMessage) []byte {
	t.Helper()
	require.NotEmpty(t, raw)
	return raw
}
