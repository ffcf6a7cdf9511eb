// Package eventbus implements the in-process publish/subscribe fabric.
//
// Events are identified by a (base, id) pair, where each base is an
// integer namespace owned by one subsystem. Subscribers register against
// a base and either a concrete id or AnyID. Posting is asynchronous
// through a bounded queue serviced by a single dispatcher goroutine,
// which preserves post order per publisher; PostSync delivers inline for
// callers that need completion before returning.
package eventbus
