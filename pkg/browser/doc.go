// Package browser manages the lifecycle of a hardened browser session for an
// autonomous agent.
//
// The package is built around three core pieces:
//
//  1. Session: the state machine owning start/stop/restart of exactly one
//     browser connection, with captcha handling wired into every navigation.
//  2. Connection resolution: an ordered set of strategies that turns whatever
//     the caller supplied (a live page, a context or browser handle, a remote
//     endpoint, or nothing) into a working browser+context pair.
//  3. ProcessRegistry: tracking of engine child processes so a locally
//     launched browser can be terminated cleanly on stop.
//
// # Session lifecycle
//
// A session moves through Uninitialized -> Starting -> Ready -> Stopping ->
// Stopped. Start is idempotent while the connection is live, serialized under
// a lock so concurrent callers never race a second launch, and rolls back to
// Uninitialized on failure so the caller can retry. A stopped session can be
// started again and receives a fresh connection.
//
// # Ownership
//
// Every connection records whether this process spawned the engine. Only an
// owned engine is ever terminated on stop; browsers the caller supplied, or
// remote servers the session attached to, are left running. The
// keep_external_alive setting additionally skips closing an external
// browser's context.
//
// # Teardown
//
// Stop is best effort throughout: close and terminate failures are logged,
// never raised, so teardown always completes and the agent's run is never
// aborted by cleanup.
package browser
