package decoder

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mullr/pglogical/source"
)

// frame helpers building pglogical_output binary payloads

func startupFrame(params map[string]string, keys ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgStartup)
	buf.WriteByte(0) // flags
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(params[k])
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func beginFrame(xid uint32, commitMicros uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgBegin)
	buf.WriteByte(0)                                // flags
	binary.Write(&buf, binary.BigEndian, uint64(0)) // final LSN
	binary.Write(&buf, binary.BigEndian, commitMicros)
	binary.Write(&buf, binary.BigEndian, xid)
	return buf.Bytes()
}

func commitFrame() []byte {
	return []byte{msgCommit}
}

func relationFrame(id uint32, schema, name string, columns ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgRelation)
	buf.WriteByte(0) // flags
	binary.Write(&buf, binary.BigEndian, id)
	buf.WriteByte(byte(len(schema)))
	buf.WriteString(schema)
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	binary.Write(&buf, binary.BigEndian, uint16(len(columns)))
	for _, col := range columns {
		buf.WriteByte(byte(len(col)))
		buf.WriteString(col)
	}
	return buf.Bytes()
}

// field values for tuple frames; nil = NULL, the sentinel = unchanged TOAST
var unchangedField = []byte("\x00unchanged")

func tupleFrame(part byte, fields ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(part)
	buf.WriteByte(tupleMarker)
	binary.Write(&buf, binary.BigEndian, uint16(len(fields)))
	for _, f := range fields {
		switch {
		case f == nil:
			buf.WriteByte(fieldNull)
		case bytes.Equal(f, unchangedField):
			buf.WriteByte(fieldUnchanged)
		default:
			buf.WriteByte(fieldText)
			binary.Write(&buf, binary.BigEndian, uint32(len(f)))
			buf.Write(f)
		}
	}
	return buf.Bytes()
}

func rowFrame(typ byte, relID uint32, tuples ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(typ)
	buf.WriteByte(0) // flags
	binary.Write(&buf, binary.BigEndian, relID)
	for _, tup := range tuples {
		buf.Write(tup)
	}
	return buf.Bytes()
}

func raw(payload []byte) source.RawMessage {
	return source.RawMessage{WALStart: 0x16B6C50, Payload: payload}
}

func feed(t *testing.T, d *Decoder, payloads ...[]byte) *ChangeEvent {
	t.Helper()
	var last *ChangeEvent
	for _, p := range payloads {
		ev, err := d.Decode(raw(p))
		require.NoError(t, err)
		if ev != nil {
			last = ev
		}
	}
	return last
}

func TestDecodeStartup(t *testing.T) {
	d := New()
	params := map[string]string{"max_proto_version": "1", "encoding": "UTF8"}

	ev, err := d.Decode(raw(startupFrame(params, "max_proto_version", "encoding")))
	require.NoError(t, err)
	assert.Nil(t, ev, "startup is bookkeeping, not a change")
	assert.Equal(t, params, d.StartupParams())
}

func TestDecodeInsert(t *testing.T) {
	d := New()
	commit := uint64(1_000_000) // one second past the Postgres epoch

	ev := feed(t, d,
		beginFrame(700, commit),
		relationFrame(16385, "public", "users", "id", "name"),
		rowFrame(msgInsert, 16385, tupleFrame(partNew, []byte("1"), []byte("alice"))),
	)

	require.NotNil(t, ev)
	assert.Equal(t, OpInsert, ev.Op)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, map[string][]byte{"id": []byte("1"), "name": []byte("alice")}, ev.New)
	assert.Nil(t, ev.Old)
	assert.Equal(t, pglogrepl.LSN(0x16B6C50), ev.LSN)

	require.NotNil(t, ev.Xid)
	assert.Equal(t, uint32(700), *ev.Xid)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 1, 0, time.UTC), ev.CommitTime)
}

func TestDecodeUpdateWithOldTuple(t *testing.T) {
	d := New()

	ev := feed(t, d,
		beginFrame(701, 0),
		relationFrame(16385, "public", "users", "id", "name"),
		rowFrame(msgUpdate, 16385,
			tupleFrame(partKey, []byte("1"), nil),
			tupleFrame(partNew, []byte("1"), []byte("bob")),
		),
	)

	require.NotNil(t, ev)
	assert.Equal(t, OpUpdate, ev.Op)
	assert.Equal(t, map[string][]byte{"id": []byte("1"), "name": nil}, ev.Old)
	assert.Equal(t, map[string][]byte{"id": []byte("1"), "name": []byte("bob")}, ev.New)
}

func TestDecodeDelete(t *testing.T) {
	d := New()

	ev := feed(t, d,
		beginFrame(702, 0),
		relationFrame(16385, "public", "users", "id", "name"),
		rowFrame(msgDelete, 16385, tupleFrame(partOld, []byte("1"), nil)),
	)

	require.NotNil(t, ev)
	assert.Equal(t, OpDelete, ev.Op)
	assert.Nil(t, ev.New)
	assert.Equal(t, []byte("1"), ev.Old["id"])
}

func TestDecodeUnchangedToastColumns(t *testing.T) {
	d := New()

	ev := feed(t, d,
		beginFrame(703, 0),
		relationFrame(16385, "public", "docs", "id", "blob"),
		rowFrame(msgUpdate, 16385, tupleFrame(partNew, []byte("1"), unchangedField)),
	)

	require.NotNil(t, ev)
	assert.Equal(t, []string{"blob"}, ev.Unchanged)
	_, present := ev.New["blob"]
	assert.False(t, present, "unchanged columns carry no value")
}

func TestDecodeCommitResetsTransaction(t *testing.T) {
	d := New()
	feed(t, d,
		beginFrame(700, 1),
		relationFrame(16385, "public", "users", "id"),
		commitFrame(),
	)

	// A row after commit without a new begin has no transaction to inherit
	ev := feed(t, d, rowFrame(msgInsert, 16385, tupleFrame(partNew, []byte("2"))))
	require.NotNil(t, ev)
	assert.Nil(t, ev.Xid)
	assert.True(t, ev.CommitTime.IsZero())
}

func TestDecodeSQLModeXidWins(t *testing.T) {
	d := New()
	feed(t, d,
		beginFrame(700, 0),
		relationFrame(16385, "public", "users", "id"),
	)

	// SQL-mode messages carry the xid column; it takes precedence over the
	// begin frame's xid
	sqlXid := uint32(999)
	msg := raw(rowFrame(msgInsert, 16385, tupleFrame(partNew, []byte("1"))))
	msg.Xid = &sqlXid

	ev, err := d.Decode(msg)
	require.NoError(t, err)
	require.NotNil(t, ev.Xid)
	assert.Equal(t, uint32(999), *ev.Xid)
}

func TestDecodeUnknownMessageType(t *testing.T) {
	d := New()

	_, err := d.Decode(raw([]byte{'Z', 0, 0}))
	require.Error(t, err)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, byte('Z'), decErr.Type)
}

func TestDecodeUnknownRelation(t *testing.T) {
	d := New()
	feed(t, d, beginFrame(700, 0))

	_, err := d.Decode(raw(rowFrame(msgInsert, 99, tupleFrame(partNew, []byte("1")))))
	require.Error(t, err)
}

func TestDecodeEmptyPayload(t *testing.T) {
	d := New()
	_, err := d.Decode(source.RawMessage{})
	require.Error(t, err)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	d := New()
	full := relationFrame(16385, "public", "users", "id")

	for cut := 1; cut < len(full); cut++ {
		_, err := d.Decode(raw(full[:cut]))
		assert.Error(t, err, "truncated at %d bytes", cut)
	}
}

func TestDecodeColumnCountMismatch(t *testing.T) {
	d := New()
	feed(t, d, relationFrame(16385, "public", "users", "id", "name"))

	_, err := d.Decode(raw(rowFrame(msgInsert, 16385, tupleFrame(partNew, []byte("1")))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "columns")
}
