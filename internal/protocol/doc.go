// Package protocol defines the Vend request/response envelope as seen by the
// coordination layer: the call, its declared extensions, typed errors and the
// hashing used to identify idempotent calls.
//
// This package contains types and pure functions only. All other internal
// packages may import protocol; protocol imports nothing internal.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Extension options arrive normalized, keyed by URN
//   - Errors crossing into a response are always *Error, never raw Go errors
package protocol
