package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/vend/internal/protocol"
)

func TestSubset(t *testing.T) {
	got := map[string]any{"a": 1.0, "b": map[string]any{"c": "x", "d": true}}

	assert.True(t, subset(map[string]any{}, got))
	assert.True(t, subset(map[string]any{"a": 1.0}, got))
	assert.True(t, subset(map[string]any{"b": map[string]any{"d": true}}, got))
	assert.False(t, subset(map[string]any{"a": 2.0}, got))
	assert.False(t, subset(map[string]any{"z": nil}, got))
	assert.False(t, subset(map[string]any{"a": map[string]any{}}, got))
}

func TestCheckExpect_FragmentsCompareAsJSON(t *testing.T) {
	resp := &protocol.Response{Result: json.RawMessage(`{"n":1}`)}
	resp.Attach(protocol.URNIdempotency, map[string]string{"key": "k", "status": "cached"})

	msgs := checkExpect(Expect{
		Status: StatusOK,
		Result: map[string]any{"n": 1},
		Extensions: map[string]map[string]any{
			"idempotency": {"status": "cached"},
		},
	}, resp)
	assert.Empty(t, msgs)

	msgs = checkExpect(Expect{
		Status:     StatusOK,
		Extensions: map[string]map[string]any{"bogus": {}},
	}, resp)
	assert.Equal(t, []string{`extensions: unknown fragment "bogus"`}, msgs)
}

func TestCheckExpect_ErrorResponse(t *testing.T) {
	resp := &protocol.Response{}
	resp.AddError(protocol.NewError(protocol.CodeLockHeld, "lock %q is held", "k"))

	assert.Empty(t, checkExpect(Expect{Status: StatusError, Code: "LOCK_HELD"}, resp))

	msgs := checkExpect(Expect{Status: StatusOK}, resp)
	assert.Equal(t, []string{`status: want ok, got error (LOCK_HELD: lock "k" is held)`}, msgs)

	msgs = checkExpect(Expect{Status: StatusError, Result: map[string]any{"n": 1}}, resp)
	assert.Equal(t, []string{"result: want map[n:1], got nothing"}, msgs)
}
