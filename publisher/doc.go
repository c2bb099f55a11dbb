// Package publisher delivers decoded change events to external systems.
//
// It implements a durable, ordered event spool backed by Pebble that buffers
// decoded events and tracks per-sink consumption cursors, so slow or flapping
// sinks never stall the change stream and never lose events.
//
// # Spool
//
// Spool stores events in a Pebble database under monotonically increasing
// sequence numbers. Each sink tracks its consumption progress via a persisted
// cursor, enabling:
//
//   - Crash recovery (cursors persisted to Pebble)
//   - Multiple independent sinks consuming at different rates
//   - Automatic cleanup of fully consumed events
//
// Key prefixes:
//
//	/spool/{seq:016x}    -> msgpack(Event)
//	/cursor/{sinkName}   -> uint64 (cursor)
//	/seq                 -> uint64 (last assigned sequence)
//
// # Workers
//
// One Worker per configured sink polls the spool, filters events through a
// glob-based schema/table filter, transforms them into the sink's wire format
// and publishes with exponential-backoff retry. Cursors advance only after a
// successful publish, giving at-least-once delivery.
//
// # Registration
//
// Sink and transformer implementations register themselves by type name from
// their package init, so importing a sink package is all it takes to make it
// available to the configuration.
package publisher
