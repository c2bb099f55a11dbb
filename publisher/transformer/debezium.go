// Package transformer provides implementations of the publisher.Transformer
// interface for converting change events to sink-specific wire formats.
package transformer

import (
	"encoding/json"

	"github.com/mullr/pglogical/publisher"
)

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer renders change events as Debezium-style JSON payloads,
// consumable by Kafka Connect and stream processing systems.
//
// Column values pass through as the text the output plugin produced; SQL NULL
// becomes JSON null. Operations map to Debezium codes: INSERT "c", UPDATE
// "u", DELETE "d".
type DebeziumTransformer struct {
	connectorName string
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "pglogical",
	}
}

type debeziumMessage struct {
	Payload debeziumPayload `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source debeziumSource         `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      uint32 `json:"txId"`
	LSN       uint64 `json:"lsn"`
}

// Transform converts a change event to Debezium JSON
func (d *DebeziumTransformer) Transform(event publisher.Event) ([]byte, error) {
	msg := debeziumMessage{
		Payload: debeziumPayload{
			Before: rowImage(event.Before),
			After:  rowImage(event.After),
			Op:     mapOperation(event.Operation),
			TsMs:   event.CommitTS,
			Source: debeziumSource{
				Connector: d.connectorName,
				Schema:    event.Schema,
				Table:     event.Table,
				TxID:      event.Xid,
				LSN:       event.LSN,
			},
		},
	}

	return json.Marshal(msg)
}

// Tombstone returns nil: a nil-valued message keyed on the deleted row is the
// Debezium tombstone convention for log-compacted topics
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

// rowImage converts raw column bytes to JSON-friendly values. NULL columns
// come through as nil, everything else as the plugin's text rendering.
func rowImage(cols map[string][]byte) map[string]interface{} {
	if cols == nil {
		return nil
	}
	out := make(map[string]interface{}, len(cols))
	for name, val := range cols {
		if val == nil {
			out[name] = nil
		} else {
			out[name] = string(val)
		}
	}
	return out
}

// mapOperation maps operation codes to Debezium operation strings
func mapOperation(op uint8) string {
	switch op {
	case publisher.OpInsert:
		return "c"
	case publisher.OpUpdate:
		return "u"
	case publisher.OpDelete:
		return "d"
	}
	return "?"
}
