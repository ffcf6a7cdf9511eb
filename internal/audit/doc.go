// Package audit keeps a persistent trail of security and configuration
// events: logins, lockouts, password changes and configuration writes.
// Entries land in the audit_log table of the daemon's SQLite database
// so they survive restarts and can be pulled over the API.
package audit
