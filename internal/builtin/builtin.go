// Package builtin provides the functions vend serves out of the box. They
// exist to exercise the coordination extensions end to end.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/vend/internal/clock"
	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/protocol"
)

const (
	FuncEcho  = "vend.echo"
	FuncSleep = "vend.sleep"
	FuncFail  = "vend.fail"
)

// maxSleep bounds vend.sleep.
const maxSleep = 10 * time.Minute

// Functions returns the builtin set. clk paces vend.sleep.
func Functions(clk clock.Clock) []coord.Function {
	clk = clock.OrReal(clk)
	return []coord.Function{
		{Name: FuncEcho, Handler: echo},
		{Name: FuncSleep, Capabilities: coord.Cancelable, Handler: sleeper(clk)},
		{Name: FuncFail, Handler: fail},
	}
}

// Register adds the builtin set to d.
func Register(d *coord.Dispatcher, clk clock.Clock) error {
	for _, fn := range Functions(clk) {
		if err := d.Register(fn); err != nil {
			return fmt.Errorf("register %s: %w", fn.Name, err)
		}
	}
	return nil
}

// echo returns its arguments unchanged.
func echo(_ context.Context, call *coord.Call) (any, error) {
	return call.Arguments, nil
}

type sleepArgs struct {
	DurationMS int `json:"duration_ms"`
	Steps      int `json:"steps"`
}

// sleeper waits duration_ms in steps, reporting progress and honoring
// cancellation between steps.
func sleeper(clk clock.Clock) coord.Handler {
	return func(ctx context.Context, call *coord.Call) (any, error) {
		var args sleepArgs
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		total := time.Duration(args.DurationMS) * time.Millisecond
		if total < 0 || total > maxSleep {
			return nil, protocol.NewError(protocol.CodeInvalidArgument, "duration_ms must be between 0 and %d", maxSleep.Milliseconds())
		}
		steps := args.Steps
		if steps <= 0 {
			steps = 1
		}

		step := total / time.Duration(steps)
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-clk.After(step):
			}
			if err := call.Checkpoint(ctx); err != nil {
				return nil, err
			}
			if err := call.Progress(ctx, float64(i)/float64(steps)); err != nil {
				return nil, err
			}
		}
		return map[string]int{"slept_ms": args.DurationMS}, nil
	}
}

type failArgs struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
	Reason  string             `json:"reason"`
}

// fail returns the error its arguments describe. SERVICE_UNAVAILABLE with
// a reason behaves like a real outage and is eligible for replay.
func fail(_ context.Context, call *coord.Call) (any, error) {
	var args failArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Code == "" {
		args.Code = protocol.CodeFunctionError
	}
	if args.Code == protocol.CodeServiceUnavailable {
		reason := args.Reason
		if reason == "" {
			reason = protocol.ReasonCapacity
		}
		return nil, protocol.Unavailable(reason)
	}
	msg := args.Message
	if msg == "" {
		msg = "requested failure"
	}
	return nil, protocol.NewError(args.Code, "%s", msg)
}
