package coord

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/vend/internal/protocol"
)

// Gate admits executions. It refuses them while in maintenance mode or when
// the in-flight limit is reached.
type Gate struct {
	maintenance atomic.Bool
	slots       *semaphore.Weighted
	limit       int64
}

// NewGate creates a Gate allowing maxInFlight concurrent executions.
// Zero or less means unlimited.
func NewGate(maxInFlight int64) *Gate {
	g := &Gate{limit: maxInFlight}
	if maxInFlight > 0 {
		g.slots = semaphore.NewWeighted(maxInFlight)
	}
	return g
}

// SetMaintenance toggles maintenance mode.
func (g *Gate) SetMaintenance(on bool) {
	g.maintenance.Store(on)
}

// Maintenance reports whether maintenance mode is on.
func (g *Gate) Maintenance() bool {
	return g.maintenance.Load()
}

// Limit returns the in-flight limit, 0 when unlimited.
func (g *Gate) Limit() int64 {
	return g.limit
}

// Admit reserves an execution slot. The returned function frees it and is
// safe to call more than once.
func (g *Gate) Admit() (release func(), err *protocol.Error) {
	if g.maintenance.Load() {
		return nil, protocol.Unavailable(protocol.ReasonMaintenance)
	}
	if g.slots == nil {
		return func() {}, nil
	}
	if !g.slots.TryAcquire(1) {
		return nil, protocol.Unavailable(protocol.ReasonCapacity)
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.slots.Release(1)
		}
	}, nil
}
