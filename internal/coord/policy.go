package coord

import (
	"fmt"
	"time"

	"github.com/roach88/vend/internal/replay"
)

// Policy holds per-function coordination defaults. Values apply when a
// request's extension options leave them out.
type Policy struct {
	Function string
	Version  string

	// Capabilities the catalog declares. They must be a subset of the
	// registered function's.
	Capabilities Capability

	LockTTL   time.Duration
	LockScope string

	IdempotencyTTL time.Duration

	// SyncBudget moves a call to async once it runs longer. Zero falls back
	// to the dispatcher default.
	SyncBudget time.Duration

	// ReplayEligible false makes the function ignore replay declarations.
	ReplayEligible bool
	ReplayPriority replay.Priority
	ReplayTTL      time.Duration
}

// DefaultPolicy is used for functions the catalog does not mention.
func DefaultPolicy() Policy {
	return Policy{ReplayEligible: true, ReplayPriority: replay.PriorityNormal}
}

// ApplyPolicy installs p for its function. The function must already be
// registered.
func (d *Dispatcher) ApplyPolicy(p Policy) error {
	fn, err := d.registry.lookup(p.Function, versionOrDefault(p.Version))
	if err != nil {
		return err
	}
	if !fn.Capabilities.Has(p.Capabilities) {
		return fmt.Errorf("policy for %s declares capabilities %s, function supports %s",
			p.Function, p.Capabilities, fn.Capabilities)
	}
	if p.ReplayPriority == "" {
		p.ReplayPriority = replay.PriorityNormal
	}

	d.policyMu.Lock()
	defer d.policyMu.Unlock()
	d.policies[registryKey(fn.Name, fn.Version)] = p
	return nil
}

func (d *Dispatcher) policyFor(fn *Function) Policy {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	if p, ok := d.policies[registryKey(fn.Name, fn.Version)]; ok {
		return p
	}
	return DefaultPolicy()
}

func versionOrDefault(v string) string {
	if v == "" {
		return "1"
	}
	return v
}
