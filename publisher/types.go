package publisher

// Operation types for spooled events
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// Event is a single decoded change staged for delivery. Column values are
// the raw bytes the output plugin produced (text or binary format); a nil
// value is SQL NULL.
type Event struct {
	Seq       uint64            `msgpack:"seq"`    // Monotonic spool sequence
	LSN       uint64            `msgpack:"lsn"`    // WAL position of the change
	Xid       uint32            `msgpack:"xid"`    // Transaction id, 0 if unknown
	Schema    string            `msgpack:"schema"` // Postgres schema name
	Table     string            `msgpack:"tbl"`    // Table name
	Operation uint8             `msgpack:"op"`     // 0=INSERT, 1=UPDATE, 2=DELETE
	Key       string            `msgpack:"key"`    // Routing key for partitioned sinks
	Before    map[string][]byte `msgpack:"before"` // Old row image, nil for inserts
	After     map[string][]byte `msgpack:"after"`  // New row image, nil for deletes
	Unchanged []string          `msgpack:"unch"`   // TOASTed columns the plugin did not resend
	CommitTS  int64             `msgpack:"ts"`     // Commit timestamp (unix ms)
}

// Sink is a destination for change events (e.g. Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink-specific wire formats
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event Event) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(schema, table string) bool
}
