package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	s := store.NewMemory(clk)
	t.Cleanup(func() { s.Close() })
	return New(s, Options{Clock: clk, IDs: ids.NewSequenceGenerator("op")}), clk
}

func TestCreate(t *testing.T) {
	r, clk := newTestRegistry(t)

	op, err := r.Create(context.Background(), "reports.build", "1", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "op-0001", op.ID)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, SignalClear, op.CancelSignal)
	assert.Equal(t, clk.Now().Add(DefaultSafetyExpiry), op.ExpiresAt)

	got, err := r.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func TestLifecycle_Complete(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	op, err := r.Create(ctx, "f", "1", "alice", false)
	require.NoError(t, err)

	started, err := r.MarkProcessing(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, started.Status)
	require.NotNil(t, started.StartedAt)

	require.NoError(t, r.UpdateProgress(ctx, op.ID, 0.5))
	clk.Advance(time.Second)

	applied, err := r.Complete(ctx, op.ID, json.RawMessage(`{"rows":3}`))
	require.NoError(t, err)
	assert.True(t, applied)

	done, err := r.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1.0, done.Progress)
	assert.JSONEq(t, `{"rows":3}`, string(done.Result))
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, clk.Now().Add(DefaultRetention), done.ExpiresAt)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, finish := range []string{"complete", "fail", "cancel"} {
		t.Run(finish, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			ctx := context.Background()
			op, err := r.Create(ctx, "f", "1", "o", false)
			require.NoError(t, err)

			switch finish {
			case "complete":
				_, err = r.Complete(ctx, op.ID, json.RawMessage(`1`))
			case "fail":
				_, err = r.Fail(ctx, op.ID, []*protocol.Error{protocol.NewError(protocol.CodeFunctionError, "boom")})
			case "cancel":
				_, err = r.Cancel(ctx, op.ID)
			}
			require.NoError(t, err)
			before, err := r.Get(ctx, op.ID)
			require.NoError(t, err)

			applied, err := r.Complete(ctx, op.ID, json.RawMessage(`2`))
			require.NoError(t, err)
			assert.False(t, applied)

			applied, err = r.Fail(ctx, op.ID, nil)
			require.NoError(t, err)
			assert.False(t, applied)

			_, err = r.MarkProcessing(ctx, op.ID)
			require.NoError(t, err)
			require.NoError(t, r.UpdateProgress(ctx, op.ID, 0.3))

			_, err = r.Cancel(ctx, op.ID)
			assert.ErrorIs(t, err, ErrCannotCancel)

			after, err := r.Get(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestPendingCanFinishDirectly(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	op, err := r.Create(ctx, "f", "1", "o", false)
	require.NoError(t, err)

	applied, err := r.Fail(ctx, op.ID, []*protocol.Error{protocol.NewError(protocol.CodeFunctionError, "x")})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := r.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.StartedAt)
	require.Len(t, got.Errors, 1)
}

func TestUpdateProgress_OutOfRange(t *testing.T) {
	r, _ := newTestRegistry(t)
	op, err := r.Create(context.Background(), "f", "1", "o", false)
	require.NoError(t, err)

	assert.ErrorIs(t, r.UpdateProgress(context.Background(), op.ID, 1.5), ErrInvalidArgument)
	assert.ErrorIs(t, r.UpdateProgress(context.Background(), op.ID, -0.1), ErrInvalidArgument)
}

func TestGet_ExpiredIsNotFound(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()
	op, err := r.Create(ctx, "f", "1", "o", false)
	require.NoError(t, err)
	_, err = r.Complete(ctx, op.ID, nil)
	require.NoError(t, err)

	clk.Advance(DefaultRetention)

	_, err = r.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Cancel(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_RaisesSignal(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	op, err := r.Create(ctx, "f", "1", "o", true)
	require.NoError(t, err)
	_, err = r.MarkProcessing(ctx, op.ID)
	require.NoError(t, err)

	sig := r.Signal(op.ID)
	require.NoError(t, sig.Checkpoint(ctx))

	cancelled, err := r.Cancel(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, SignalRequested, cancelled.CancelSignal)

	assert.ErrorIs(t, sig.Checkpoint(ctx), ErrCancelled)
	state, err := sig.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, SignalObserved, state)

	// Stays cancelled on later checkpoints.
	assert.ErrorIs(t, sig.Checkpoint(ctx), ErrCancelled)

	// The executor's late completion does not resurrect it.
	applied, err := r.Complete(ctx, op.ID, json.RawMessage(`1`))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSignal_ProgressAndContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	op, err := r.Create(context.Background(), "f", "1", "o", false)
	require.NoError(t, err)
	sig := r.Signal(op.ID)
	assert.Equal(t, op.ID, sig.ID())

	require.NoError(t, sig.Progress(context.Background(), 0.25))
	got, err := r.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.Progress)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sig.Checkpoint(ctx), context.Canceled)
}

func TestCancel_NonCancelableOnlyBeforeStart(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	running, err := r.Create(ctx, "f", "1", "o", false)
	require.NoError(t, err)
	_, err = r.MarkProcessing(ctx, running.ID)
	require.NoError(t, err)

	_, err = r.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)
	got, err := r.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, SignalClear, got.CancelSignal)

	applied, err := r.Complete(ctx, running.ID, json.RawMessage(`{"charged":1}`))
	require.NoError(t, err)
	assert.True(t, applied)

	pending, err := r.Create(ctx, "f", "1", "o", false)
	require.NoError(t, err)
	cancelled, err := r.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestList_FiltersAndPaginates(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		_, err := r.Create(ctx, fmt.Sprintf("f%d", i%2), "1", owner, false)
		require.NoError(t, err)
	}

	page, err := r.List(ctx, Filter{Owner: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-0001", "op-0003"}, opIDs(page.Operations))
	assert.Equal(t, "op-0003", page.NextCursor)

	page, err = r.List(ctx, Filter{Owner: "alice", Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-0005"}, opIDs(page.Operations))
	assert.Empty(t, page.NextCursor)

	page, err = r.List(ctx, Filter{Function: "f1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-0002", "op-0004"}, opIDs(page.Operations))

	_, err = r.Complete(ctx, "op-0002", nil)
	require.NoError(t, err)
	page, err = r.List(ctx, Filter{Owner: "bob", Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-0002"}, opIDs(page.Operations))
}

func TestList_LimitBounds(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < MaxListLimit+5; i++ {
		_, err := r.Create(ctx, "f", "1", "o", false)
		require.NoError(t, err)
	}

	page, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, page.Operations, DefaultListLimit)

	page, err = r.List(ctx, Filter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page.Operations, MaxListLimit)
	assert.NotEmpty(t, page.NextCursor)

	_, err = r.List(ctx, Filter{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = r.List(ctx, Filter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func opIDs(ops []Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}
