package publisher

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mullr/pglogical/decoder"
)

func xid(v uint32) *uint32 { return &v }

func TestFromChangeInsert(t *testing.T) {
	commit := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ev, ok := FromChange(&decoder.ChangeEvent{
		Op:         decoder.OpInsert,
		Schema:     "public",
		Table:      "users",
		New:        map[string][]byte{"id": []byte("1")},
		LSN:        pglogrepl.LSN(0x16B6C50),
		Xid:        xid(700),
		CommitTime: commit,
	})
	require.True(t, ok)

	assert.Equal(t, OpInsert, ev.Operation)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, uint64(0x16B6C50), ev.LSN)
	assert.Equal(t, uint32(700), ev.Xid)
	assert.Equal(t, commit.UnixMilli(), ev.CommitTS)
	assert.NotEmpty(t, ev.Key)
}

func TestFromChangeOperationMapping(t *testing.T) {
	for op, want := range map[decoder.Op]uint8{
		decoder.OpInsert: OpInsert,
		decoder.OpUpdate: OpUpdate,
		decoder.OpDelete: OpDelete,
	} {
		ev, ok := FromChange(&decoder.ChangeEvent{Op: op})
		require.True(t, ok)
		assert.Equal(t, want, ev.Operation)
	}

	_, ok := FromChange(&decoder.ChangeEvent{Op: decoder.Op('?')})
	assert.False(t, ok)
}

func TestRoutingKeyStable(t *testing.T) {
	image := map[string][]byte{"id": []byte("1"), "name": []byte("alice")}

	a, _ := FromChange(&decoder.ChangeEvent{Op: decoder.OpInsert, Schema: "public", Table: "users", New: image})
	b, _ := FromChange(&decoder.ChangeEvent{Op: decoder.OpUpdate, Schema: "public", Table: "users", New: image})

	// Same row image, same key, regardless of operation
	assert.Equal(t, a.Key, b.Key)

	other, _ := FromChange(&decoder.ChangeEvent{
		Op: decoder.OpInsert, Schema: "public", Table: "users",
		New: map[string][]byte{"id": []byte("2"), "name": []byte("alice")},
	})
	assert.NotEqual(t, a.Key, other.Key)
}

func TestRoutingKeyDeleteUsesOldImage(t *testing.T) {
	image := map[string][]byte{"id": []byte("1")}

	ins, _ := FromChange(&decoder.ChangeEvent{Op: decoder.OpInsert, Schema: "s", Table: "t", New: image})
	del, _ := FromChange(&decoder.ChangeEvent{Op: decoder.OpDelete, Schema: "s", Table: "t", Old: image})

	// The delete's tombstone must land where the insert did
	assert.Equal(t, ins.Key, del.Key)
}

func TestRoutingKeySeparatesTables(t *testing.T) {
	image := map[string][]byte{"id": []byte("1")}

	a, _ := FromChange(&decoder.ChangeEvent{Op: decoder.OpInsert, Schema: "s", Table: "users", New: image})
	b, _ := FromChange(&decoder.ChangeEvent{Op: decoder.OpInsert, Schema: "s", Table: "orders", New: image})

	assert.NotEqual(t, a.Key, b.Key)
}
