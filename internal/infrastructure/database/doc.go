// Package database wraps the SQLite connection backing the non-volatile
// KV store.
//
// SQLite stands in for the NVS flash partition of the original hardware:
// one writer, WAL journalling, and a busy timeout to ride out contention.
// Schema management is handled by embedded migrations (see the migrations
// package at the repository root).
package database
