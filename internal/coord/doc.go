// Package coord implements the dispatcher that composes locks, idempotency,
// async operations and replay around registered functions.
//
// Per request the dispatcher:
//
//  1. acquires the declared lock, failing fast when it is held
//  2. resolves the idempotency key (novel, cached, processing or conflict)
//  3. passes the admission gate (maintenance mode, in-flight capacity)
//  4. executes, inline or in the background behind an operation
//  5. queues the request for replay when it could not run and replay was
//     declared
//  6. releases the lock if auto-release is on, on every path
//
// Lock acquisition always precedes idempotency resolution. A request that
// never executes leaves no idempotency record behind, so its replay or a
// client retry is novel again.
//
// Response fragments are attached after execution in the order lock,
// idempotency, operation, replay.
package coord
