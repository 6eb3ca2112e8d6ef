// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/ids"
	"github.com/roach88/vend/internal/store"
)

// Epoch is where test clocks start.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a manual clock at Epoch.
func NewClock() *clock.Manual {
	return clock.NewManual(Epoch)
}

// NewStore returns a memory store on clk, closed when t ends.
func NewStore(t testing.TB, clk clock.Clock) *store.Memory {
	t.Helper()
	s := store.NewMemory(clk)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewDispatcher returns a dispatcher over a fresh memory store and manual
// clock. Unset ids and owner tokens come from sequence generators
// ("id-0001", "owner-0001"). Background executions are drained when t ends.
func NewDispatcher(t testing.TB, opts coord.Options) (*coord.Dispatcher, *clock.Manual) {
	t.Helper()
	clk := NewClock()
	opts.Clock = clk
	if opts.IDs == nil {
		opts.IDs = ids.NewSequenceGenerator("id")
	}
	if opts.Tokens == nil {
		opts.Tokens = ids.NewSequenceGenerator("owner")
	}
	d := coord.New(NewStore(t, clk), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Wait(ctx))
	})
	return d, clk
}
