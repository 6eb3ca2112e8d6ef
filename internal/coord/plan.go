package coord

import (
	"time"

	"github.com/roach88/vend/internal/lock"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
	"github.com/roach88/vend/internal/webhook"
)

type lockPlan struct {
	declared    string
	key         string
	ttl         time.Duration
	wait        time.Duration
	owner       string
	autoRelease bool
}

type idempotencyPlan struct {
	key string
	ttl time.Duration
}

type asyncPlan struct {
	preferred   bool
	callbackURL string
	budget      time.Duration
}

type replayPlan struct {
	ttl         time.Duration
	priority    replay.Priority
	callbackURL string
}

func invalidExtension(urn, format string, args ...any) *protocol.Error {
	return protocol.NewError(protocol.CodeInvalidExtension, format, args...).WithDetail("urn", urn)
}

// prepare resolves the function and turns the extension declarations into
// a plan, filling gaps from the function's policy.
func (d *Dispatcher) prepare(req protocol.Request, replayed bool, resp *protocol.Response) (*execution, *protocol.Error) {
	fn, err := d.registry.lookup(req.Call.Function, req.Call.FunctionVersion())
	if err != nil {
		return nil, handlerError(err)
	}
	pol := d.policyFor(fn)

	caller := req.Caller
	if caller == "" {
		caller = DefaultCaller
	}
	x := &execution{
		d:        d,
		req:      req,
		fn:       fn,
		resp:     resp,
		replayed: replayed,
		call: &Call{
			Function:   fn.Name,
			Version:    fn.Version,
			Arguments:  req.Call.Arguments,
			Caller:     caller,
			Request:    req,
			Replayed:   replayed,
			cancelable: fn.Capabilities.Has(Cancelable),
		},
	}

	if ext, ok := req.Extension(protocol.URNAtomicLock); ok {
		var o protocol.LockOptions
		if err := ext.Decode(&o); err != nil {
			return nil, invalidExtension(ext.URN, "%v", err)
		}
		if o.Key == "" {
			return nil, invalidExtension(ext.URN, "lock key is required")
		}
		if o.TTL < 0 || o.Wait < 0 {
			return nil, invalidExtension(ext.URN, "lock ttl and wait must not be negative")
		}
		scope := firstNonEmpty(o.Scope, pol.LockScope, protocol.ScopeFunction)
		if scope != protocol.ScopeFunction && scope != protocol.ScopeGlobal {
			return nil, invalidExtension(ext.URN, "unknown lock scope %q", scope)
		}
		ttl := protocol.Seconds(o.TTL)
		if ttl == 0 {
			ttl = pol.LockTTL
		}
		if ttl == 0 {
			ttl = d.defaultLockTTL
		}
		x.lock = &lockPlan{
			declared:    o.Key,
			key:         lock.ScopedKey(scope, fn.Name, o.Key),
			ttl:         ttl,
			wait:        protocol.Seconds(o.Wait),
			owner:       o.Owner,
			autoRelease: o.ReleasesAutomatically(),
		}
	}

	if ext, ok := req.Extension(protocol.URNIdempotency); ok {
		var o protocol.IdempotencyOptions
		if err := ext.Decode(&o); err != nil {
			return nil, invalidExtension(ext.URN, "%v", err)
		}
		if o.Key == "" {
			return nil, invalidExtension(ext.URN, "idempotency key is required")
		}
		if o.TTL < 0 {
			return nil, invalidExtension(ext.URN, "idempotency ttl must not be negative")
		}
		ttl := protocol.Seconds(o.TTL)
		if ttl == 0 {
			ttl = pol.IdempotencyTTL
		}
		hash, err := protocol.ArgumentsHash(req.Call.Arguments)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidArgument, "arguments: %v", err)
		}
		x.idem = &idempotencyPlan{key: o.Key, ttl: ttl}
		x.argumentsHash = hash
	}

	// A replayed request always runs synchronously in the drainer.
	if ext, ok := req.Extension(protocol.URNAsync); ok && !replayed {
		var o protocol.AsyncOptions
		if err := ext.Decode(&o); err != nil {
			return nil, invalidExtension(ext.URN, "%v", err)
		}
		if o.CallbackURL != "" {
			if err := webhook.ValidateURL(o.CallbackURL); err != nil {
				return nil, invalidExtension(ext.URN, "%v", err)
			}
		}
		budget := pol.SyncBudget
		if budget == 0 {
			budget = d.syncBudget
		}
		x.async = &asyncPlan{preferred: o.Preferred, callbackURL: o.CallbackURL, budget: budget}
	}

	if ext, ok := req.Extension(protocol.URNReplay); ok {
		var o protocol.ReplayOptions
		if err := ext.Decode(&o); err != nil {
			return nil, invalidExtension(ext.URN, "%v", err)
		}
		if o.TTL < 0 {
			return nil, invalidExtension(ext.URN, "replay ttl must not be negative")
		}
		prio := pol.ReplayPriority
		if o.Priority != "" {
			p, err := replay.ParsePriority(o.Priority)
			if err != nil {
				return nil, invalidExtension(ext.URN, "%v", err)
			}
			prio = p
		}
		if o.CallbackURL != "" {
			if err := webhook.ValidateURL(o.CallbackURL); err != nil {
				return nil, invalidExtension(ext.URN, "%v", err)
			}
		}
		ttl := protocol.Seconds(o.TTL)
		if ttl == 0 {
			ttl = pol.ReplayTTL
		}
		if o.IsEnabled() && pol.ReplayEligible && !replayed {
			x.replay = &replayPlan{ttl: ttl, priority: prio, callbackURL: o.CallbackURL}
		}
	}
	return x, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
