// Package confstore implements the unified configuration engine.
//
// Configuration lives in an in-memory cache keyed by dotted strings
// ("net.eth.ip", "fan.target_temp"). Each key belongs to exactly one
// module (NET, DHCP, WIFI, LED, FAN, DEVICE, SYSTEM) described by an
// immutable schema of typed entries with defaults. Values resolve by
// source priority: runtime > non-volatile > file > default.
//
// Persistence is dual-write: every persist serialises the module's full
// entry set into a JSON document stored as a single blob in the module's
// non-volatile namespace, then mirrors it to a per-module file on
// removable media when present. A meta record (global_seq, sync_seq,
// pending_sync bitmask, per-module schema versions) tracks which side is
// authoritative, so a card yanked between writes is caught up the moment
// it returns.
package confstore
