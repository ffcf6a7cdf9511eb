// Package auth implements local user authentication: two fixed
// accounts (admin, root) with argon2id password hashes persisted in the
// non-volatile store, failure-window lockout, and opaque bearer
// sessions with absolute expiry.
//
// Sessions are revocable server-side state, not signed tokens: logout
// must evict immediately and the device is the only verifier.
package auth
