package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/testutil"
)

func newDispatcher(t *testing.T, opts coord.Options) (*coord.Dispatcher, *clock.Manual) {
	t.Helper()
	d, clk := testutil.NewDispatcher(t, opts)
	require.NoError(t, Register(d, clk))
	return d, clk
}

func call(function, args string, exts ...protocol.Extension) protocol.Request {
	return protocol.Request{
		Protocol:   protocol.Version,
		ID:         "req-1",
		Call:       protocol.Call{Function: function, Arguments: json.RawMessage(args)},
		Extensions: exts,
	}
}

func TestEcho(t *testing.T) {
	d, _ := newDispatcher(t, coord.Options{})
	resp := d.Dispatch(context.Background(), call(FuncEcho, `{"hello":"world"}`))
	require.False(t, resp.Failed())
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Result))
}

func TestFail(t *testing.T) {
	d, _ := newDispatcher(t, coord.Options{})
	ctx := context.Background()

	resp := d.Dispatch(ctx, call(FuncFail, `{}`))
	require.True(t, resp.Failed())
	assert.Equal(t, protocol.CodeFunctionError, resp.Errors[0].Code)
	assert.Equal(t, "requested failure", resp.Errors[0].Message)

	resp = d.Dispatch(ctx, call(FuncFail, `{"code":"PAYMENT_DECLINED","message":"card declined"}`))
	assert.Equal(t, protocol.ErrorCode("PAYMENT_DECLINED"), resp.Errors[0].Code)

	resp = d.Dispatch(ctx, call(FuncFail, `{"code":"SERVICE_UNAVAILABLE","reason":"maintenance"}`))
	assert.Equal(t, protocol.CodeServiceUnavailable, resp.Errors[0].Code)
	assert.Equal(t, protocol.ReasonMaintenance, protocol.UnavailableReason(resp.Errors[0]))
}

func TestFail_UnavailableIsReplayed(t *testing.T) {
	d, _ := newDispatcher(t, coord.Options{})
	resp := d.Dispatch(context.Background(), call(FuncFail, `{"code":"SERVICE_UNAVAILABLE"}`,
		protocol.Extension{URN: protocol.URNReplay}))
	require.False(t, resp.Failed())
	_, ok := resp.Fragment(protocol.URNReplay)
	assert.True(t, ok)
}

func TestSleep_ReportsProgress(t *testing.T) {
	d, clk := newDispatcher(t, coord.Options{})
	ctx := context.Background()

	resp := d.Dispatch(ctx, call(FuncSleep, `{"duration_ms":1000,"steps":2}`,
		protocol.Extension{URN: protocol.URNAsync, Options: map[string]any{"preferred": true}}))
	require.False(t, resp.Failed())
	raw, ok := resp.Fragment(protocol.URNAsync)
	require.True(t, ok)
	var frag struct {
		OperationID string `json:"operation_id"`
	}
	require.NoError(t, json.Unmarshal(mustMarshal(t, raw), &frag))

	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return clk.Pending() > 0 }, 5*time.Second, time.Millisecond)
		clk.Advance(500 * time.Millisecond)
	}
	require.NoError(t, d.Wait(ctx))

	op, err := d.Operations().Get(ctx, frag.OperationID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.Equal(t, 1.0, op.Progress)
	assert.JSONEq(t, `{"slept_ms":1000}`, string(op.Result))
}

func TestSleep_RejectsOutOfRange(t *testing.T) {
	d, _ := newDispatcher(t, coord.Options{})
	resp := d.Dispatch(context.Background(), call(FuncSleep, `{"duration_ms":-1}`))
	assert.Equal(t, protocol.CodeInvalidArgument, resp.Errors[0].Code)
}

func TestSleep_Cancel(t *testing.T) {
	d, clk := newDispatcher(t, coord.Options{})
	ctx := context.Background()

	resp := d.Dispatch(ctx, call(FuncSleep, `{"duration_ms":3000,"steps":3}`,
		protocol.Extension{URN: protocol.URNAsync, Options: map[string]any{"preferred": true}}))
	raw, _ := resp.Fragment(protocol.URNAsync)
	var frag struct {
		OperationID string `json:"operation_id"`
	}
	require.NoError(t, json.Unmarshal(mustMarshal(t, raw), &frag))

	require.Eventually(t, func() bool { return clk.Pending() > 0 }, 5*time.Second, time.Millisecond)
	_, err := d.Operations().Cancel(ctx, frag.OperationID)
	require.NoError(t, err)
	clk.Advance(time.Second)
	require.NoError(t, d.Wait(ctx))

	op, err := d.Operations().Get(ctx, frag.OperationID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCancelled, op.Status)
	assert.Equal(t, operation.SignalObserved, op.CancelSignal)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
