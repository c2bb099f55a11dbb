package source

import (
	"context"
	"io"

	"github.com/jackc/pglogrepl"
)

// RawMessage is the minimal unit produced by either transport: a WAL
// position, optional batch-end and transaction hints, and the output
// plugin's opaque payload. Within one source's lifetime messages arrive in
// non-decreasing WALStart order.
type RawMessage struct {
	WALStart pglogrepl.LSN

	// WALEnd marks the confirmed end of the batch the message arrived in.
	// Set only by the SQL source; always nil in walsender mode.
	WALEnd *pglogrepl.LSN

	// Xid is the producing transaction, when the transport reports one.
	Xid *uint32

	// Payload is owned by this message until handed to the decoder.
	Payload []byte
}

// MessageIterator yields raw messages one at a time. Finite iterators (SQL
// mode) end with io.EOF; walsender iterators are unbounded and one-shot.
type MessageIterator interface {
	Next(ctx context.Context) (RawMessage, error)
}

// ChangeSource is the single capability both transport variants satisfy.
type ChangeSource interface {
	// Changes returns an iterator over pending changes. In SQL mode each
	// call is one round trip returning the currently available batch; in
	// walsender mode the first call starts replication and every call
	// reads from the same stream.
	Changes(ctx context.Context, opts Options) (MessageIterator, error)

	// Cleanup tears down connections and drops the replication slot. It is
	// idempotent and never propagates errors; failures are logged so a
	// cleanup problem cannot mask whatever the caller was really doing.
	Cleanup(ctx context.Context)
}

type batchIterator struct {
	msgs []RawMessage
	pos  int
}

func (it *batchIterator) Next(ctx context.Context) (RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return RawMessage{}, err
	}
	if it.pos >= len(it.msgs) {
		return RawMessage{}, io.EOF
	}
	msg := it.msgs[it.pos]
	it.pos++
	return msg, nil
}

// Collect drains a finite iterator into a slice. Useful with the SQL source,
// where a batch is already materialized server-side.
func Collect(ctx context.Context, it MessageIterator) ([]RawMessage, error) {
	var msgs []RawMessage
	for {
		msg, err := it.Next(ctx)
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
}
