package publisher

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/mullr/pglogical/decoder"
)

// FromChange converts a decoded change into a spoolable event. Returns false
// when the change carries an operation the publisher does not handle.
func FromChange(ch *decoder.ChangeEvent) (Event, bool) {
	var op uint8
	switch ch.Op {
	case decoder.OpInsert:
		op = OpInsert
	case decoder.OpUpdate:
		op = OpUpdate
	case decoder.OpDelete:
		op = OpDelete
	default:
		return Event{}, false
	}

	ev := Event{
		LSN:       uint64(ch.LSN),
		Schema:    ch.Schema,
		Table:     ch.Table,
		Operation: op,
		Before:    ch.Old,
		After:     ch.New,
		Unchanged: ch.Unchanged,
	}
	if ch.Xid != nil {
		ev.Xid = *ch.Xid
	}
	if !ch.CommitTime.IsZero() {
		ev.CommitTS = ch.CommitTime.UnixMilli()
	}
	ev.Key = routingKey(ev)

	return ev, true
}

// routingKey derives a stable partitioning key for an event. Deletes hash the
// old row image (the key tuple the plugin sent), everything else the new one,
// so all changes to the same row land on the same partition.
func routingKey(ev Event) string {
	image := ev.After
	if ev.Operation == OpDelete || image == nil {
		image = ev.Before
	}

	h := xxhash.New()
	h.WriteString(ev.Schema)
	h.WriteString(".")
	h.WriteString(ev.Table)

	cols := make([]string, 0, len(image))
	for col := range image {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		h.WriteString(col)
		h.Write(image[col])
	}

	return strconv.FormatUint(h.Sum64(), 16)
}
