// Package catalog loads per-function coordination policy from a directory
// of CUE files. Each file declares entries under function:
//
//	function: "orders.create": {
//		version: "1"
//		capabilities: ["cancelable"]
//		lock: { ttl: 30, scope: "function" }
//		idempotency: { ttl: 86400 }
//		async: { sync_budget_ms: 2000 }
//		replay: { eligible: true, priority: "normal", ttl: 3600 }
//	}
//
// Entries are validated against the embedded #Function schema before they
// become coord.Policy values.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/vend/internal/coord"
	"github.com/roach88/vend/internal/replay"
)

//go:embed schema.cue
var schemaSource string

var (
	ErrNotFound = errors.New("catalog directory not found")
	ErrNoFiles  = errors.New("no CUE files in catalog")
)

// Error is one problem found in a catalog, positioned when CUE knows where.
type Error struct {
	Function string
	Message  string
	Pos      token.Pos
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Pos.IsValid() {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column())
	}
	if e.Function != "" {
		fmt.Fprintf(&b, "function %q: ", e.Function)
	}
	b.WriteString(e.Message)
	return b.String()
}

// Errors collects every problem found in one load.
type Errors []*Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Catalog is a loaded, validated set of policies.
type Catalog struct {
	Dir       string
	FileCount int
	Policies  []coord.Policy
}

type entry struct {
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Lock         *struct {
		TTL   int    `json:"ttl"`
		Scope string `json:"scope"`
	} `json:"lock"`
	Idempotency *struct {
		TTL int `json:"ttl"`
	} `json:"idempotency"`
	Async *struct {
		SyncBudgetMS int `json:"sync_budget_ms"`
	} `json:"async"`
	Replay *struct {
		Eligible bool   `json:"eligible"`
		Priority string `json:"priority"`
		TTL      int    `json:"ttl"`
	} `json:"replay"`
}

// Load reads every .cue file in dir. A non-nil error of type Errors lists
// all validation problems at once.
func Load(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("stat catalog %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan catalog %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, dir)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load catalog %s: no instances", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, fromCUE("", err)
	}
	value := ctx.BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, fromCUE("", err)
	}

	value = schema.Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fromCUE("", err)
	}

	cat := &Catalog{Dir: dir, FileCount: len(files)}
	functions := value.LookupPath(cue.ParsePath("function"))
	if !functions.Exists() {
		return cat, nil
	}
	var errs Errors
	iter, err := functions.Fields()
	if err != nil {
		return nil, fromCUE("", err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		p, err := compile(name, iter.Value())
		if err != nil {
			errs = append(errs, &Error{Function: name, Message: err.Error(), Pos: iter.Value().Pos()})
			continue
		}
		cat.Policies = append(cat.Policies, p)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	sort.Slice(cat.Policies, func(i, j int) bool {
		return cat.Policies[i].Function < cat.Policies[j].Function
	})
	return cat, nil
}

func compile(name string, v cue.Value) (coord.Policy, error) {
	if name == "" {
		return coord.Policy{}, errors.New("function name must not be empty")
	}
	var e entry
	if err := v.Decode(&e); err != nil {
		return coord.Policy{}, err
	}
	caps, err := coord.ParseCapabilities(e.Capabilities)
	if err != nil {
		return coord.Policy{}, err
	}

	p := coord.DefaultPolicy()
	p.Function = name
	p.Version = e.Version
	p.Capabilities = caps
	if e.Lock != nil {
		p.LockTTL = seconds(e.Lock.TTL)
		p.LockScope = e.Lock.Scope
	}
	if e.Idempotency != nil {
		p.IdempotencyTTL = seconds(e.Idempotency.TTL)
	}
	if e.Async != nil {
		p.SyncBudget = time.Duration(e.Async.SyncBudgetMS) * time.Millisecond
	}
	if e.Replay != nil {
		prio, err := replay.ParsePriority(e.Replay.Priority)
		if err != nil {
			return coord.Policy{}, err
		}
		p.ReplayEligible = e.Replay.Eligible
		p.ReplayPriority = prio
		p.ReplayTTL = seconds(e.Replay.TTL)
	}
	return p, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Apply installs every policy on d. All functions must already be
// registered; failures are joined.
func (c *Catalog) Apply(d *coord.Dispatcher) error {
	var errs []error
	for _, p := range c.Policies {
		if err := d.ApplyPolicy(p); err != nil {
			errs = append(errs, fmt.Errorf("apply policy %s: %w", p.Function, err))
		}
	}
	return errors.Join(errs...)
}

func fromCUE(function string, err error) error {
	all := cueerrors.Errors(err)
	if len(all) == 0 {
		return Errors{{Function: function, Message: err.Error()}}
	}
	out := make(Errors, 0, len(all))
	for _, e := range all {
		ce := &Error{Function: function, Message: e.Error()}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ce.Pos = pos[0]
		}
		out = append(out, ce)
	}
	return out
}
