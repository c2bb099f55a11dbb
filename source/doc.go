// Package source exposes a uniform change-stream abstraction over Postgres
// logical decoding, hiding the two access modes behind one interface.
//
// The SQL source pulls batches of already-decoded changes through
// pg_logical_slot_get_binary_changes; the walsender source holds a
// replication-protocol connection open and receives changes as they are
// produced. Both variants satisfy ChangeSource, so callers never branch on
// which transport is live.
//
// A source owns its connections and the server-side replication slot for its
// whole lifetime. Construction creates the slot (dropping a stale one from a
// previous run first); Cleanup closes the connections and drops the slot once
// the server marks it idle. Only one consumer may hold a slot active at a
// time; the server enforces this, and SlotManager.DropWhenIdle exists because
// on the walsender path "client closed its socket" and "server marked the
// slot idle" race each other during teardown.
//
// Raw messages carry an opaque payload. Decoding the output plugin's binary
// format is the decoder package's job; nothing in this package looks inside
// Payload.
package source
