package replay

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
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/store"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	s := store.NewMemory(clk)
	t.Cleanup(func() { s.Close() })
	return New(s, Options{Clock: clk, IDs: ids.NewSequenceGenerator("rp")}), clk
}

func testRequest(function string) protocol.Request {
	return protocol.Request{
		Protocol: protocol.Version,
		ID:       "req-" + function,
		Call:     protocol.Call{Function: function, Arguments: json.RawMessage(`{"n":1}`)},
	}
}

func TestEnqueue_PreservesRequest(t *testing.T) {
	q, clk := newTestQueue(t)
	req := testRequest("orders.create")
	req.Extensions = []protocol.Extension{
		{URN: protocol.URNIdempotency, Options: map[string]any{"key": "k-77"}},
		{URN: protocol.URNReplay, Options: map[string]any{"priority": "high"}},
	}

	e, err := q.Enqueue(context.Background(), EnqueueParams{
		Request:  req,
		Reason:   protocol.ReasonMaintenance,
		TTL:      time.Hour,
		Priority: PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "rp-0001", e.ID)
	assert.Equal(t, StatusQueued, e.Status)
	assert.Equal(t, "k-77", e.IdempotencyKey)
	assert.Equal(t, clk.Now().Add(time.Hour), e.ExpiresAt)
	assert.Equal(t, DefaultMaxAttempts, e.MaxAttempts)

	got, err := q.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders.create", got.Request.Call.Function)
	assert.JSONEq(t, `{"n":1}`, string(got.Request.Call.Arguments))
	require.Len(t, got.Request.Extensions, 2)
	assert.Equal(t, protocol.URNIdempotency, got.Request.Extensions[0].URN)
}

func TestEnqueue_Defaults(t *testing.T) {
	q, clk := newTestQueue(t)

	e, err := q.Enqueue(context.Background(), EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, e.Priority)
	assert.Equal(t, clk.Now().Add(DefaultTTL), e.ExpiresAt)
}

func TestEnqueue_Invalid(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), EnqueueParams{Request: testRequest("f"), Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = q.Enqueue(context.Background(), EnqueueParams{Request: testRequest("f"), TTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClaim_PriorityThenFIFO(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	enqueue := func(p Priority) string {
		e, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f"), Priority: p})
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
		return e.ID
	}
	lowEarly := enqueue(PriorityLow)
	normal := enqueue(PriorityNormal)
	high := enqueue(PriorityHigh)
	lowLate := enqueue(PriorityLow)

	var order []string
	for {
		e, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, StatusProcessing, e.Status)
		assert.Equal(t, 1, e.Attempts)
		order = append(order, e.ID)
	}
	assert.Equal(t, []string{high, normal, lowEarly, lowLate}, order)
}

func TestClaim_SingleWinnerAcrossDrainers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := q.Claim(ctx)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestClaim_ExpiresStaleEntries(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f"), TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	_, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestFinish_TransientBacksOffThenFails(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	transient := Outcome{Err: protocol.Unavailable(protocol.ReasonCapacity), Transient: true}

	e, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)

	claimed, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	back, err := q.Finish(ctx, claimed, transient)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, back.Status)
	assert.Equal(t, clk.Now().Add(time.Second), back.NextAttemptAt)

	// Not eligible until the backoff elapses.
	_, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(time.Second)
	claimed, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	back, err = q.Finish(ctx, claimed, transient)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, back.Status)
	assert.Equal(t, clk.Now().Add(2*time.Second), back.NextAttemptAt)

	clk.Advance(2 * time.Second)
	claimed, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, claimed.Attempts)
	final, err := q.Finish(ctx, claimed, transient)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, protocol.CodeServiceUnavailable, final.Error.Code)
	assert.Equal(t, e.ID, final.ID)
}

func TestFinish_NonTransientFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)

	claimed, _, err := q.Claim(ctx)
	require.NoError(t, err)
	final, err := q.Finish(ctx, claimed, Outcome{Err: protocol.NewError(protocol.CodeFunctionError, "bad input")})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
}

func TestFinish_Success(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)

	claimed, _, err := q.Claim(ctx)
	require.NoError(t, err)
	final, err := q.Finish(ctx, claimed, Outcome{Result: json.RawMessage(`{"id":9}`)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.JSONEq(t, `{"id":9}`, string(final.Result))
	assert.Nil(t, final.ClaimedUntil)

	_, err = q.Finish(ctx, claimed, Outcome{})
	assert.ErrorIs(t, err, ErrCannotTransition)
}

func TestClaim_ReclaimsAbandonedProcessing(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	q := New(store.NewMemory(clk), Options{Clock: clk, ClaimTimeout: time.Minute})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f"), TTL: time.Hour})
	require.NoError(t, err)

	first, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(time.Minute)
	second, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, second.Attempts)

	// The first drainer's late result is refused.
	_, err = q.Finish(ctx, first, Outcome{Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrCannotTransition)
}

func TestClaim_AbandonedLastAttemptFails(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	q := New(store.NewMemory(clk), Options{Clock: clk, ClaimTimeout: time.Minute, MaxAttempts: 1})
	ctx := context.Background()
	entry, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f"), TTL: time.Hour})
	require.NoError(t, err)

	first, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, first.Attempts)

	clk.Advance(time.Minute)
	_, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no attempt beyond max_attempts")

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, protocol.CodeInternalError, got.Error.Code)
	assert.NotNil(t, got.CompletedAt)

	_, err = q.Finish(ctx, first, Outcome{Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrCannotTransition)
}

func TestCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	e, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = q.Cancel(ctx, e.ID)
	assert.ErrorIs(t, err, ErrCannotTransition)

	_, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_ProcessingRefused(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	e, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)
	_, _, err = q.Claim(ctx)
	require.NoError(t, err)

	_, err = q.Cancel(ctx, e.ID)
	assert.ErrorIs(t, err, ErrCannotTransition)
}

func TestRetention(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	e, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f")})
	require.NoError(t, err)
	_, err = q.Cancel(ctx, e.ID)
	require.NoError(t, err)

	clk.Advance(DefaultRetention - time.Second)
	_, err = q.Get(ctx, e.ID)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = q.Get(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, p := range []Priority{PriorityHigh, PriorityLow, PriorityHigh, PriorityNormal} {
		_, err := q.Enqueue(ctx, EnqueueParams{Request: testRequest("f"), Priority: p})
		require.NoError(t, err)
	}
	_, err := q.Cancel(ctx, "rp-0004")
	require.NoError(t, err)

	page, err := q.List(ctx, Filter{Priority: PriorityHigh, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"rp-0001"}, entryIDs(page.Entries))
	assert.Equal(t, "rp-0001", page.NextCursor)

	page, err = q.List(ctx, Filter{Priority: PriorityHigh, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"rp-0003"}, entryIDs(page.Entries))
	assert.Empty(t, page.NextCursor)

	page, err = q.List(ctx, Filter{Status: StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, []string{"rp-0004"}, entryIDs(page.Entries))

	_, err = q.List(ctx, Filter{Status: "lost"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = q.List(ctx, Filter{Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBackoffCap(t *testing.T) {
	q := New(store.NewMemory(nil), Options{BackoffBase: time.Second, BackoffMax: 5 * time.Second})
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
	assert.Equal(t, 5*time.Second, q.backoff(40))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("HIGH")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func entryIDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
