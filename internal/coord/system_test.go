package coord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/protocol"
)

func TestLocksStatus(t *testing.T) {
	ctx := context.Background()
	d, clk := newTestDispatcher(t, Options{})
	mustRegister(t, d, Function{Name: "f", Handler: func(context.Context, *Call) (any, error) { return nil, nil }})

	d.Dispatch(ctx, request("f", "", ext(protocol.URNAtomicLock, map[string]any{"key": "k", "ttl": 30, "auto_release": false})))
	clk.Advance(10 * time.Second)

	resp := d.Dispatch(ctx, request(FuncLocksStatus, `{"key":"k","function":"f"}`))
	require.False(t, resp.Failed())
	assert.JSONEq(t, `{
		"locked": true,
		"owner": "owner-0001",
		"acquired_at": "2026-01-01T00:00:00Z",
		"expires_at": "2026-01-01T00:00:30Z",
		"ttl_remaining": 20
	}`, string(resp.Result))

	clk.Advance(20 * time.Second)
	resp = d.Dispatch(ctx, request(FuncLocksStatus, `{"key":"k","function":"f"}`))
	require.False(t, resp.Failed())
	assert.JSONEq(t, `{"locked":false}`, string(resp.Result))
}

func TestLocksStatus_RequiresFunctionForFunctionScope(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	resp := d.Dispatch(context.Background(), request(FuncLocksStatus, `{"key":"k"}`))
	assert.Equal(t, protocol.CodeInvalidArgument, errorCode(t, resp))

	resp = d.Dispatch(context.Background(), request(FuncLocksStatus, `{"key":"k","scope":"planet"}`))
	assert.Equal(t, protocol.CodeInvalidArgument, errorCode(t, resp))
}

func TestLocksRelease_Errors(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})
	mustRegister(t, d, Function{Name: "f", Handler: func(context.Context, *Call) (any, error) { return nil, nil }})

	resp := d.Dispatch(ctx, request(FuncLocksRelease, `{"key":"k","scope":"global","owner":"x"}`))
	assert.Equal(t, protocol.CodeLockNotFound, errorCode(t, resp))

	d.Dispatch(ctx, request("f", "", ext(protocol.URNAtomicLock, map[string]any{"key": "k", "scope": "global", "auto_release": false})))
	resp = d.Dispatch(ctx, request(FuncLocksRelease, `{"key":"k","scope":"global","owner":"intruder"}`))
	assert.Equal(t, protocol.CodeLockOwnershipMismatch, errorCode(t, resp))
	assert.False(t, resp.Errors[0].Retryable)

	resp = d.Dispatch(ctx, request(FuncLocksRelease, `{"key":"k","scope":"global"}`))
	assert.Equal(t, protocol.CodeInvalidArgument, errorCode(t, resp))

	resp = d.Dispatch(ctx, request(FuncLocksRelease, `not json`))
	assert.Equal(t, protocol.CodeInvalidArgument, errorCode(t, resp))
}

func TestLocksForceRelease_Privileged(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{PrivilegedCallers: []string{"ops-admin"}})
	mustRegister(t, d, Function{Name: "f", Handler: func(context.Context, *Call) (any, error) { return nil, nil }})
	d.Dispatch(ctx, request("f", "", ext(protocol.URNAtomicLock, map[string]any{"key": "k", "scope": "global", "auto_release": false})))

	req := request(FuncLocksForceRelease, `{"key":"k","scope":"global"}`)
	resp := d.Dispatch(ctx, req)
	assert.Equal(t, protocol.CodeForbidden, errorCode(t, resp))

	req.Caller = "ops-admin"
	resp = d.Dispatch(ctx, req)
	require.False(t, resp.Failed())
	assert.JSONEq(t, `{"released":true}`, string(resp.Result))

	resp = d.Dispatch(ctx, req)
	assert.Equal(t, protocol.CodeLockNotFound, errorCode(t, resp))
}

func TestOperationsList_ScopedToCaller(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{})
	mustRegister(t, d, Function{Name: "job", Handler: func(context.Context, *Call) (any, error) { return nil, nil }})

	asyncExt := ext(protocol.URNAsync, map[string]any{"preferred": true})
	for _, caller := range []string{"alice", "bob", "alice", "alice"} {
		req := request("job", `{}`, asyncExt)
		req.Caller = caller
		require.False(t, d.Dispatch(ctx, req).Failed())
	}
	waitBackground(t, d)

	list := func(caller, args string) operationListResult {
		req := request(FuncOperationsList, args)
		req.Caller = caller
		resp := d.Dispatch(ctx, req)
		require.False(t, resp.Failed())
		var out operationListResult
		require.NoError(t, json.Unmarshal(resp.Result, &out))
		return out
	}

	page := list("alice", `{"limit":2}`)
	require.Len(t, page.Operations, 2)
	assert.Equal(t, "id-0001", page.Operations[0].ID)
	assert.Equal(t, "id-0003", page.Operations[1].ID)
	assert.Equal(t, "id-0003", page.NextCursor)

	page = list("alice", `{"limit":2,"cursor":"id-0003"}`)
	require.Len(t, page.Operations, 1)
	assert.Equal(t, "id-0004", page.Operations[0].ID)
	assert.Empty(t, page.NextCursor)

	page = list("bob", `{}`)
	require.Len(t, page.Operations, 1)

	page = list("carol", `{}`)
	assert.Empty(t, page.Operations)

	req := request(FuncOperationsList, `{"status":"sleeping"}`)
	assert.Equal(t, protocol.CodeInvalidArgument, errorCode(t, d.Dispatch(ctx, req)))
}

func TestOperationsStatus_NotFound(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	resp := d.Dispatch(context.Background(), request(FuncOperationsStatus, `{"operation_id":"missing"}`))
	assert.Equal(t, protocol.CodeOperationNotFound, errorCode(t, resp))

	resp = d.Dispatch(context.Background(), request(FuncOperationsStatus, `{}`))
	assert.Equal(t, protocol.CodeInvalidArgument, errorCode(t, resp))
}

func TestReplaySystemFunctions(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, Options{Maintenance: true})
	mustRegister(t, d, Function{Name: "f", Handler: func(context.Context, *Call) (any, error) { return "ran", nil }})

	replayExt := ext(protocol.URNReplay, map[string]any{"priority": "low"})
	first := d.Dispatch(ctx, request("f", `{}`, replayExt))
	second := d.Dispatch(ctx, request("f", `{}`, replayExt))
	id1 := replayFrag(t, first).ReplayID
	id2 := replayFrag(t, second).ReplayID

	resp := d.Dispatch(ctx, request(FuncReplayStatus, `{"replay_id":"`+id1+`"}`))
	require.False(t, resp.Failed())
	var view ReplayView
	require.NoError(t, json.Unmarshal(resp.Result, &view))
	assert.Equal(t, "f", view.Function)
	assert.Equal(t, "queued", string(view.Status))
	assert.Equal(t, "low", string(view.Priority))
	assert.Equal(t, protocol.ReasonMaintenance, view.Reason)

	resp = d.Dispatch(ctx, request(FuncReplayCancel, `{"replay_id":"`+id1+`"}`))
	require.False(t, resp.Failed())
	assert.JSONEq(t, `{"cancelled":true}`, string(resp.Result))

	resp = d.Dispatch(ctx, request(FuncReplayCancel, `{"replay_id":"`+id1+`"}`))
	assert.Equal(t, protocol.CodeReplayCannotTransition, errorCode(t, resp))

	resp = d.Dispatch(ctx, request(FuncReplayList, `{"status":"queued"}`))
	require.False(t, resp.Failed())
	var page replayListResult
	require.NoError(t, json.Unmarshal(resp.Result, &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, id2, page.Entries[0].ReplayID)

	d.Gate().SetMaintenance(false)
	resp = d.Dispatch(ctx, request(FuncReplayTrigger, `{"replay_id":"`+id2+`"}`))
	require.False(t, resp.Failed())
	assert.JSONEq(t, `{"triggered":true,"status":"completed"}`, string(resp.Result))

	resp = d.Dispatch(ctx, request(FuncReplayTrigger, `{"replay_id":"`+id2+`"}`))
	assert.Equal(t, protocol.CodeReplayCannotTransition, errorCode(t, resp))

	resp = d.Dispatch(ctx, request(FuncReplayStatus, `{"replay_id":"nope"}`))
	assert.Equal(t, protocol.CodeReplayNotFound, errorCode(t, resp))
}
