package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/protocol"
)

func TestNewDispatcher_Deterministic(t *testing.T) {
	d, clk := NewDispatcher(t, coord.Options{})
	assert.Equal(t, Epoch, clk.Now())

	require.NoError(t, d.Register(coord.Function{
		Name:    "noop",
		Handler: func(context.Context, *coord.Call) (any, error) { return nil, nil },
	}))
	resp := d.Dispatch(context.Background(), protocol.Request{
		Call: protocol.Call{Function: "noop"},
		Extensions: []protocol.Extension{
			{URN: protocol.URNAsync, Options: map[string]any{"preferred": true}},
		},
	})
	require.False(t, resp.Failed())
	raw, ok := resp.Fragment(protocol.URNAsync)
	require.True(t, ok)
	assert.Contains(t, mustJSON(t, raw), `"operation_id":"id-0001"`)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
