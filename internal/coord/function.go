package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
)

// Capability is a set of flags describing what a function supports.
type Capability uint8

const (
	Cancelable Capability = 1 << iota
	Streamable
	Simulatable

	// Plain is the empty set.
	Plain Capability = 0
)

var capabilityNames = []struct {
	flag Capability
	name string
}{
	{Cancelable, "cancelable"},
	{Streamable, "streamable"},
	{Simulatable, "simulatable"},
}

// Has reports whether c includes every flag of other.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Names returns the flag names in c.
func (c Capability) Names() []string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.flag) {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capability) String() string {
	if c == Plain {
		return "plain"
	}
	return strings.Join(c.Names(), "|")
}

// ParseCapabilities combines named flags. "plain" contributes nothing.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		if n == "plain" {
			continue
		}
		found := false
		for _, cn := range capabilityNames {
			if cn.name == n {
				c |= cn.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return c, nil
}

// Handler executes a function call. The returned value is marshaled as the
// response result; a json.RawMessage is used as is. Returning a
// *protocol.Error controls the code surfaced to the caller; any other error
// becomes FUNCTION_ERROR.
type Handler func(ctx context.Context, call *Call) (any, error)

// Function is a registered callable.
type Function struct {
	Name         string
	Version      string
	Capabilities Capability
	Handler      Handler

	// system functions bypass the admission gate.
	system bool
}

// Call is the handler's view of a request.
type Call struct {
	Function  string
	Version   string
	Arguments json.RawMessage
	Caller    string
	Request   protocol.Request

	// Replayed is set when the drainer resubmitted the request.
	Replayed bool

	cancelable bool
	signal     atomic.Pointer[operation.Signal]
}

// Decode unmarshals the call arguments into v.
func (c *Call) Decode(v any) error {
	if len(c.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Arguments, v); err != nil {
		return protocol.NewError(protocol.CodeInvalidArgument, "decode arguments: %v", err)
	}
	return nil
}

// OperationID returns the id of the operation tracking this call, or ""
// while the call runs synchronously.
func (c *Call) OperationID() string {
	if s := c.signal.Load(); s != nil {
		return s.ID()
	}
	return ""
}

// Checkpoint returns operation.ErrCancelled once cancellation of the
// tracking operation was requested. It is a no-op for functions not
// registered as Cancelable and for calls without an operation.
func (c *Call) Checkpoint(ctx context.Context) error {
	s := c.signal.Load()
	if s == nil || !c.cancelable {
		return ctx.Err()
	}
	return s.Checkpoint(ctx)
}

// Progress reports progress in [0,1] on the tracking operation, if any.
func (c *Call) Progress(ctx context.Context, v float64) error {
	s := c.signal.Load()
	if s == nil {
		return nil
	}
	return s.Progress(ctx, v)
}

var errFunctionNotFound = errors.New("function not found")

// registry maps name@version to functions. Registration completes before
// serving starts; lookups afterwards only read.
type registry struct {
	mu    sync.RWMutex
	funcs map[string]*Function
}

func newRegistry() *registry {
	return &registry{funcs: make(map[string]*Function)}
}

func registryKey(name, version string) string {
	return name + "@" + version
}

func (r *registry) register(f Function) error {
	if f.Name == "" {
		return errors.New("function name must not be empty")
	}
	if f.Handler == nil {
		return fmt.Errorf("function %s has no handler", f.Name)
	}
	f.Version = versionOrDefault(f.Version)
	key := registryKey(f.Name, f.Version)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[key]; ok {
		return fmt.Errorf("function %s already registered", key)
	}
	r.funcs[key] = &f
	return nil
}

func (r *registry) lookup(name, version string) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[registryKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", errFunctionNotFound, name, version)
	}
	return f, nil
}

func (r *registry) list() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Function, 0, len(r.funcs))
	for _, f := range r.funcs {
		out = append(out, *f)
	}
	return out
}
