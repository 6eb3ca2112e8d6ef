package protocol

import (
	"math"
	"time"
)

// Extension URNs handled by the coordination layer.
const (
	URNAtomicLock  = "urn:vend:ext:atomic-lock"
	URNIdempotency = "urn:vend:ext:idempotency"
	URNAsync       = "urn:vend:ext:async"
	URNReplay      = "urn:vend:ext:replay"
)

// Lock scopes.
const (
	ScopeFunction = "function"
	ScopeGlobal   = "global"
)

// LockOptions are the options of the atomic-lock extension.
// Durations are expressed in seconds on the wire.
type LockOptions struct {
	Key         string  `json:"key"`
	TTL         float64 `json:"ttl,omitempty"`
	Scope       string  `json:"scope,omitempty"`
	Wait        float64 `json:"wait,omitempty"`
	AutoRelease *bool   `json:"auto_release,omitempty"`
	Owner       string  `json:"owner,omitempty"`
}

// ReleasesAutomatically reports whether the lock is released after execution.
// Defaults to true.
func (o LockOptions) ReleasesAutomatically() bool {
	return o.AutoRelease == nil || *o.AutoRelease
}

// IdempotencyOptions are the options of the idempotency extension.
type IdempotencyOptions struct {
	Key string  `json:"key"`
	TTL float64 `json:"ttl,omitempty"`
}

// AsyncOptions are the options of the async extension.
type AsyncOptions struct {
	Preferred   bool   `json:"preferred,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// ReplayOptions are the options of the replay extension.
type ReplayOptions struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	TTL         float64 `json:"ttl,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	CallbackURL string  `json:"callback_url,omitempty"`
}

// IsEnabled reports whether replay is requested. Defaults to true when the
// extension is declared.
func (o ReplayOptions) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// maxSeconds is the largest wire duration a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

// Seconds converts a wire duration in seconds to a time.Duration,
// saturating at the representable bounds.
func Seconds(s float64) time.Duration {
	switch {
	case s >= maxSeconds:
		return math.MaxInt64
	case s <= -maxSeconds:
		return math.MinInt64
	}
	return time.Duration(s * float64(time.Second))
}
