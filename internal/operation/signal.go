package operation

import (
	"context"
	"time"
)

// Signal is the cancellation handle given to a cancelable function.
//
// It holds only the operation id; every check reads the store, so a cancel
// issued on any node is seen by the executor.
type Signal struct {
	registry *Registry
	id       string
}

// Signal returns the cancellation handle for operation id.
func (r *Registry) Signal(id string) *Signal {
	return &Signal{registry: r, id: id}
}

// ID returns the operation id the signal watches.
func (s *Signal) ID() string {
	return s.id
}

// State reads the current signal value.
func (s *Signal) State(ctx context.Context) (CancelSignal, error) {
	op, err := s.registry.Get(ctx, s.id)
	if err != nil {
		return "", err
	}
	return op.CancelSignal, nil
}

// Checkpoint returns ErrCancelled once cancellation was requested,
// acknowledging it by moving the signal to observed. Call it at points where
// the function can stop safely.
func (s *Signal) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var cancelled bool
	_, _, err := s.registry.mutate(ctx, s.id, func(op *Operation, _ time.Time) bool {
		switch op.CancelSignal {
		case SignalRequested:
			cancelled = true
			op.CancelSignal = SignalObserved
			return true
		case SignalObserved:
			cancelled = true
		default:
			cancelled = false
		}
		return false
	})
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// Progress records progress through the registry.
func (s *Signal) Progress(ctx context.Context, v float64) error {
	return s.registry.UpdateProgress(ctx, s.id, v)
}
