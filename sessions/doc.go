// Package sessions tracks logical user sessions independently of any single
// request and multiplexes concurrent scopes onto them.
//
// Layers & Roles
//
//	Middleware  -> resolves identity, attaches a request scope, tears it down
//	Manager     -> sole owner of the live session registry and of each session's state
//	Session     -> identity, active scopes, expiry policy, conversations, pending order
//	cleanup     -> background sweep ending idle, expired sessions
//
// # Lifecycle
//
// A session is Active while it has at least one scope, Idle once the last
// scope is removed, and Expired-and-Idle when it is idle and either expires
// immediately (no explicit duration was given at creation) or its lease has
// run out. Only Expired-and-Idle sessions are eligible for automatic
// termination; an in-flight scope pins a session even past its nominal
// expiry.
//
// Ending a session removes it from the registry before anything else, so
// concurrent terminators cannot process it twice, and then flushes owned
// conversations and the pending order through the configured repositories.
// Removal is unconditional; persistence failures are returned to the caller.
//
// # Lookups
//
// Sessions are discoverable by id, by scope id, by user id, by API key and by
// order id. Lookups other than by id scan the registry. Concurrent lookups for
// the same identity are collapsed so only one session is created per identity.
package sessions
