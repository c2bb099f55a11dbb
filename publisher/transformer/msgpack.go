package transformer

import (
	"github.com/mullr/pglogical/encoding"
	"github.com/mullr/pglogical/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return &MsgpackTransformer{}
	})
}

// MsgpackTransformer publishes events in the same msgpack encoding the spool
// stores them in. The cheapest format when the consumer is another Go
// process using this module's Event type.
type MsgpackTransformer struct{}

// Transform encodes the event as msgpack
func (m *MsgpackTransformer) Transform(event publisher.Event) ([]byte, error) {
	return encoding.Marshal(&event)
}

// Tombstone returns nil; consumers treat a nil-valued keyed message as a
// delete marker
func (m *MsgpackTransformer) Tombstone(key string) []byte {
	return nil
}
