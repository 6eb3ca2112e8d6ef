package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/roach88/vend/internal/lock"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
)

var fragmentURNs = map[string]string{
	"lock":        protocol.URNAtomicLock,
	"idempotency": protocol.URNIdempotency,
	"async":       protocol.URNAsync,
	"replay":      protocol.URNReplay,
}

// checkExpect returns one message per mismatch between want and resp.
func checkExpect(want Expect, resp *protocol.Response) []string {
	var msgs []string
	got := StatusOK
	if resp.Failed() {
		got = StatusError
	}
	if got != want.Status {
		detail := ""
		if resp.Failed() {
			detail = fmt.Sprintf(" (%s: %s)", resp.Errors[0].Code, resp.Errors[0].Message)
		}
		msgs = append(msgs, fmt.Sprintf("status: want %s, got %s%s", want.Status, got, detail))
	}
	if want.Code != "" {
		code := ""
		if resp.Failed() {
			code = string(resp.Errors[0].Code)
		}
		if code != want.Code {
			msgs = append(msgs, fmt.Sprintf("code: want %s, got %q", want.Code, code))
		}
	}
	if want.Result != nil {
		if msg := matchJSON("result", want.Result, []byte(resp.Result)); msg != "" {
			msgs = append(msgs, msg)
		}
	}

	names := make([]string, 0, len(want.Extensions))
	for name := range want.Extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		urn, ok := fragmentURNs[name]
		if !ok {
			msgs = append(msgs, fmt.Sprintf("extensions: unknown fragment %q", name))
			continue
		}
		data, ok := resp.Fragment(urn)
		if !ok {
			msgs = append(msgs, fmt.Sprintf("extensions.%s: fragment missing", name))
			continue
		}
		raw, err := json.Marshal(data)
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("extensions.%s: %v", name, err))
			continue
		}
		if msg := matchJSON("extensions."+name, want.Extensions[name], raw); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// matchJSON reports whether got contains every field of want. Both sides
// go through encoding/json so YAML integers compare equal to JSON numbers.
func matchJSON(path string, want map[string]any, got []byte) string {
	if len(got) == 0 {
		return fmt.Sprintf("%s: want %v, got nothing", path, want)
	}
	var wantV, gotV any
	raw, err := json.Marshal(want)
	if err != nil {
		return fmt.Sprintf("%s: %v", path, err)
	}
	if err := json.Unmarshal(raw, &wantV); err != nil {
		return fmt.Sprintf("%s: %v", path, err)
	}
	if err := json.Unmarshal(got, &gotV); err != nil {
		return fmt.Sprintf("%s: %v", path, err)
	}
	if !subset(wantV, gotV) {
		return fmt.Sprintf("%s: want subset %s, got %s", path, raw, got)
	}
	return ""
}

func subset(want, got any) bool {
	wm, ok := want.(map[string]any)
	if !ok {
		return reflect.DeepEqual(want, got)
	}
	gm, ok := got.(map[string]any)
	if !ok {
		return false
	}
	for k, wv := range wm {
		gv, ok := gm[k]
		if !ok || !subset(wv, gv) {
			return false
		}
	}
	return true
}

func (h *Harness) assert(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertExecutions:
		if got := h.executionCount(a.Function); got != *a.Count {
			return fmt.Errorf("%s ran %d times, want %d", a.Function, got, *a.Count)
		}
	case AssertReplayCount:
		got, err := h.countReplays(ctx, replay.Status(a.Status))
		if err != nil {
			return err
		}
		if got != *a.Count {
			return fmt.Errorf("%d entries %s, want %d", got, a.Status, *a.Count)
		}
	case AssertOperationStatus:
		op, err := h.dispatcher.Operations().Get(ctx, a.ID)
		if err != nil {
			return err
		}
		if string(op.Status) != a.Status {
			return fmt.Errorf("operation %s is %s, want %s", a.ID, op.Status, a.Status)
		}
	case AssertLockHeld:
		scope := a.Scope
		if scope == "" {
			scope = protocol.ScopeFunction
		}
		st, err := h.dispatcher.Locks().Status(ctx, lock.ScopedKey(scope, a.Function, a.Key))
		if err != nil {
			return err
		}
		if st.Locked != *a.Held {
			return fmt.Errorf("lock %s held=%t, want %t", a.Key, st.Locked, *a.Held)
		}
	case AssertCallbacks:
		if got := h.callbacks.count(); got != *a.Count {
			return fmt.Errorf("%d callbacks delivered, want %d", got, *a.Count)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (h *Harness) countReplays(ctx context.Context, status replay.Status) (int, error) {
	n := 0
	cursor := ""
	for {
		page, err := h.dispatcher.Replays().List(ctx, replay.Filter{Status: status, Cursor: cursor, Limit: replay.MaxListLimit})
		if err != nil {
			return 0, err
		}
		n += len(page.Entries)
		if page.NextCursor == "" {
			return n, nil
		}
		cursor = page.NextCursor
	}
}
