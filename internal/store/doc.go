// Package store provides the atomic key-value substrate every coordination
// manager is built on.
//
// An AtomicStore offers five primitives over namespaced keys:
//   - Get: read a live record
//   - Create: insert only if the key is absent or expired
//   - CompareAndSwap: replace only if the version still matches
//   - Delete: remove, optionally conditioned on a version
//   - Scan: list live records of a keyspace in ascending key order
//
// Every record carries an optional expiry. An expired record is
// indistinguishable from an absent one for all operations.
//
// # Versions
//
// Versions are unique across the whole store, including across the
// lifetimes of a single key. A record that expires and is re-created never
// reuses a version an earlier holder observed, so a stale CompareAndSwap or
// Delete can never clobber a successor.
//
// # Backends
//
//   - Memory: process-local, used by tests and single-node development
//   - SQLite: durable single-node storage (WAL mode, single writer)
//   - Postgres: shared durable storage for multi-node deployments
//   - Redis: shared storage with native expiry, mutations run as Lua scripts
//
// All backends read time from an injected clock.Clock so expiry is
// deterministic under test.
package store
