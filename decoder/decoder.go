// Package decoder turns the opaque payloads produced by the pglogical_output
// plugin into typed change events. It is the only place that looks inside
// RawMessage.Payload; the source package hands payloads over untouched.
package decoder

import (
	"encoding/binary"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/source"
	"github.com/mullr/pglogical/telemetry"
)

// Message type bytes in the pglogical_output binary stream.
const (
	msgStartup  = 'S'
	msgBegin    = 'B'
	msgCommit   = 'C'
	msgRelation = 'R'
	msgInsert   = 'I'
	msgUpdate   = 'U'
	msgDelete   = 'D'
)

// Tuple part and field kind bytes.
const (
	tupleMarker = 'T'
	partNew     = 'N'
	partKey     = 'K'
	partOld     = 'O'

	fieldNull      = 'n'
	fieldUnchanged = 'u'
	fieldText      = 't'
	fieldBinary    = 'b'
	fieldInternal  = 'i'
)

const relationCacheSize = 128

// Op is a change operation.
type Op byte

const (
	OpInsert Op = msgInsert
	OpUpdate Op = msgUpdate
	OpDelete Op = msgDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%c)", byte(o))
}

// Relation is table metadata announced by the plugin before row messages
// that reference it.
type Relation struct {
	ID      uint32
	Schema  string
	Name    string
	Columns []string
}

// ChangeEvent is one decoded row change. Column values are raw bytes in the
// format the plugin chose (text or binary); nil means SQL NULL. Unchanged
// lists TOASTed columns the plugin did not resend.
type ChangeEvent struct {
	Op        Op
	Schema    string
	Table     string
	New       map[string][]byte
	Old       map[string][]byte
	Unchanged []string

	LSN        pglogrepl.LSN
	Xid        *uint32
	CommitTime time.Time
}

// DecodeError reports a payload the decoder could not make sense of.
type DecodeError struct {
	Type byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q message: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder consumes raw messages in stream order. Row messages between a
// begin and its commit inherit the transaction's id and commit timestamp.
type Decoder struct {
	relations *lru.Cache[uint32, *Relation]
	startup   map[string]string

	curXid        *uint32
	curCommitTime time.Time
}

func New() *Decoder {
	cache, _ := lru.New[uint32, *Relation](relationCacheSize)
	return &Decoder{
		relations: cache,
		startup:   make(map[string]string),
	}
}

// StartupParams are the key/value pairs from the plugin's startup message,
// empty until one has been decoded.
func (d *Decoder) StartupParams() map[string]string {
	return d.startup
}

// Decode parses one raw message. Protocol bookkeeping (startup, begin,
// commit, relation metadata) is consumed internally and returns (nil, nil);
// row messages return a ChangeEvent. Unknown message types are an error, not
// a silent skip.
func (d *Decoder) Decode(msg source.RawMessage) (*ChangeEvent, error) {
	if len(msg.Payload) == 0 {
		telemetry.DecodeErrorsTotal.Inc()
		return nil, &DecodeError{Err: fmt.Errorf("empty payload")}
	}

	typ := msg.Payload[0]
	r := reader{buf: msg.Payload[1:]}

	var (
		event *ChangeEvent
		err   error
	)
	switch typ {
	case msgStartup:
		err = d.decodeStartup(&r)
	case msgBegin:
		err = d.decodeBegin(&r)
	case msgCommit:
		d.curXid = nil
		d.curCommitTime = time.Time{}
	case msgRelation:
		err = d.decodeRelation(&r)
	case msgInsert, msgUpdate, msgDelete:
		event, err = d.decodeRow(typ, &r, msg)
	default:
		err = fmt.Errorf("unknown message type %q", typ)
	}

	if err != nil {
		telemetry.DecodeErrorsTotal.Inc()
		return nil, &DecodeError{Type: typ, Err: err}
	}
	if event != nil {
		telemetry.EventsDecodedTotal.With(event.Op.String()).Inc()
	}
	return event, nil
}

// decodeStartup reads the flags byte and the null-terminated key/value pairs
// that follow.
func (d *Decoder) decodeStartup(r *reader) error {
	if _, err := r.byte(); err != nil {
		return err
	}
	params := make(map[string]string)
	for r.remaining() > 0 {
		key, err := r.cstring()
		if err != nil {
			return err
		}
		val, err := r.cstring()
		if err != nil {
			return err
		}
		params[key] = val
	}
	d.startup = params
	log.Debug().Int("params", len(params)).Msg("Decoded plugin startup message")
	return nil
}

func (d *Decoder) decodeBegin(r *reader) error {
	if _, err := r.byte(); err != nil { // flags
		return err
	}
	if _, err := r.uint64(); err != nil { // final LSN
		return err
	}
	commitTime, err := r.uint64()
	if err != nil {
		return err
	}
	xid, err := r.uint32()
	if err != nil {
		return err
	}
	d.curXid = &xid
	d.curCommitTime = pgTimeToTime(commitTime)
	return nil
}

func (d *Decoder) decodeRelation(r *reader) error {
	if _, err := r.byte(); err != nil { // flags
		return err
	}
	id, err := r.uint32()
	if err != nil {
		return err
	}
	schema, err := r.string8()
	if err != nil {
		return err
	}
	name, err := r.string8()
	if err != nil {
		return err
	}
	natts, err := r.uint16()
	if err != nil {
		return err
	}
	columns := make([]string, 0, natts)
	for i := 0; i < int(natts); i++ {
		col, err := r.string8()
		if err != nil {
			return err
		}
		columns = append(columns, col)
	}

	d.relations.Add(id, &Relation{ID: id, Schema: schema, Name: name, Columns: columns})
	return nil
}

func (d *Decoder) decodeRow(typ byte, r *reader, msg source.RawMessage) (*ChangeEvent, error) {
	if _, err := r.byte(); err != nil { // flags
		return nil, err
	}
	relID, err := r.uint32()
	if err != nil {
		return nil, err
	}
	rel, ok := d.relations.Get(relID)
	if !ok {
		return nil, fmt.Errorf("unknown relation id %d", relID)
	}

	event := &ChangeEvent{
		Op:         Op(typ),
		Schema:     rel.Schema,
		Table:      rel.Name,
		LSN:        msg.WALStart,
		CommitTime: d.curCommitTime,
	}
	// SQL-mode messages carry their own xid; in walsender mode the begin
	// message is the only place it appears.
	if msg.Xid != nil {
		event.Xid = msg.Xid
	} else {
		event.Xid = d.curXid
	}

	for r.remaining() > 0 {
		part, err := r.byte()
		if err != nil {
			return nil, err
		}
		values, unchanged, err := d.decodeTuple(r, rel)
		if err != nil {
			return nil, err
		}
		switch part {
		case partNew:
			event.New = values
		case partKey, partOld:
			event.Old = values
		default:
			return nil, fmt.Errorf("unknown tuple part %q", part)
		}
		event.Unchanged = append(event.Unchanged, unchanged...)
	}

	return event, nil
}

func (d *Decoder) decodeTuple(r *reader, rel *Relation) (map[string][]byte, []string, error) {
	marker, err := r.byte()
	if err != nil {
		return nil, nil, err
	}
	if marker != tupleMarker {
		return nil, nil, fmt.Errorf("expected tuple marker, got %q", marker)
	}
	natts, err := r.uint16()
	if err != nil {
		return nil, nil, err
	}
	if int(natts) != len(rel.Columns) {
		return nil, nil, fmt.Errorf("tuple has %d fields, relation %s.%s has %d columns",
			natts, rel.Schema, rel.Name, len(rel.Columns))
	}

	values := make(map[string][]byte, natts)
	var unchanged []string
	for i := 0; i < int(natts); i++ {
		col := rel.Columns[i]
		kind, err := r.byte()
		if err != nil {
			return nil, nil, err
		}
		switch kind {
		case fieldNull:
			values[col] = nil
		case fieldUnchanged:
			unchanged = append(unchanged, col)
		case fieldText, fieldBinary, fieldInternal:
			n, err := r.uint32()
			if err != nil {
				return nil, nil, err
			}
			data, err := r.bytes(int(n))
			if err != nil {
				return nil, nil, err
			}
			values[col] = data
		default:
			return nil, nil, fmt.Errorf("unknown field kind %q for column %s", kind, col)
		}
	}
	return values, unchanged, nil
}

// pgTimeToTime converts microseconds since the Postgres epoch (2000-01-01).
func pgTimeToTime(micros uint64) time.Time {
	pgEpoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

// reader is a bounds-checked big-endian cursor over a payload.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("truncated payload at offset %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("truncated payload at offset %d (want %d bytes)", r.pos, n)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// cstring reads a null-terminated string.
func (r *reader) cstring() (string, error) {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("unterminated string at offset %d", r.pos)
}

// string8 reads a string with a one-byte length prefix.
func (r *reader) string8() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
