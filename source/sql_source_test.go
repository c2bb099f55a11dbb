package source

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// changeQuerier answers slot catalog queries like slotStateQuerier and
// serves scripted change batches to pg_logical_slot_get_binary_changes
type changeQuerier struct {
	slotStateQuerier
	batches    [][][]any
	changeSQL  []string
	changeArgs [][]any
	changeErr  error
}

func newChangeQuerier(batches ...[][]any) *changeQuerier {
	q := &changeQuerier{}
	q.states = []slotState{{exists: false}}
	inner := func(sql string, args []any) (pgx.Rows, error) {
		st := q.states[0]
		if len(q.states) > 1 {
			q.states = q.states[1:]
		}
		if !st.exists {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{{st.active}}}, nil
	}
	q.queryFn = func(sql string, args []any) (pgx.Rows, error) {
		if strings.Contains(sql, "pg_logical_slot_get_binary_changes") {
			q.changeSQL = append(q.changeSQL, sql)
			q.changeArgs = append(q.changeArgs, args)
			if q.changeErr != nil {
				return nil, q.changeErr
			}
			if len(q.batches) == 0 {
				return &fakeRows{}, nil
			}
			batch := q.batches[0]
			q.batches = q.batches[1:]
			return &fakeRows{rows: batch}, nil
		}
		return inner(sql, args)
	}
	q.batches = batches
	return q
}

func newTestSQLSource(t *testing.T, q Querier) *SQLSource {
	t.Helper()
	src, err := NewSQLSource(context.Background(), q, Config{Slot: "test_slot"})
	require.NoError(t, err)
	return src
}

func TestNewSQLSourceRequiresSlotName(t *testing.T) {
	_, err := NewSQLSource(context.Background(), &fakeQuerier{}, Config{})
	require.Error(t, err)
}

func TestSQLSourceChangesBatch(t *testing.T) {
	q := newChangeQuerier([][]any{
		{"0/16B6C50", uint32(700), []byte{'B', 1}},
		{"0/16B6D00", uint32(700), []byte{'I', 2}},
		{"0/16B6E10", uint32(700), []byte{'C', 3}},
	})
	src := newTestSQLSource(t, q)

	it, err := src.Changes(context.Background(), nil)
	require.NoError(t, err)

	msgs, err := Collect(context.Background(), it)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// Positions are non-decreasing and every message carries the batch end
	end := msgs[2].WALStart
	for i, msg := range msgs {
		if i > 0 {
			assert.GreaterOrEqual(t, uint64(msg.WALStart), uint64(msgs[i-1].WALStart))
		}
		require.NotNil(t, msg.WALEnd)
		assert.Equal(t, end, *msg.WALEnd)
		require.NotNil(t, msg.Xid)
		assert.Equal(t, uint32(700), *msg.Xid)
	}

	assert.Equal(t, end, src.Position())
}

func TestSQLSourceEmptyBatch(t *testing.T) {
	q := newChangeQuerier([][]any{})
	src := newTestSQLSource(t, q)

	it, err := src.Changes(context.Background(), nil)
	require.NoError(t, err)

	msgs, err := Collect(context.Background(), it)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLSourceOptionsReachTheServer(t *testing.T) {
	q := newChangeQuerier()
	src := newTestSQLSource(t, q)

	_, err := src.Changes(context.Background(), Options{
		OptExpectedEncoding: String("LATIN1"),
		OptMinProtoVersion:  nil,
	})
	require.NoError(t, err)

	require.Len(t, q.changeArgs, 1)
	args := q.changeArgs[0]
	// Slot name first, then the flattened key/value options
	assert.Equal(t, "test_slot", args[0])
	assert.Contains(t, args, "LATIN1")
	assert.NotContains(t, args, OptMinProtoVersion)
	// 1 slot arg + 3 remaining params as key/value pairs
	assert.Len(t, args, 7)
}

func TestSQLSourceQueryNamesNoColumns(t *testing.T) {
	q := newChangeQuerier()
	src := newTestSQLSource(t, q)

	_, err := src.Changes(context.Background(), nil)
	require.NoError(t, err)

	// The result columns are renamed across server versions ("location"
	// became "lsn" in PostgreSQL 10), so the query must not name them
	require.Len(t, q.changeSQL, 1)
	assert.True(t, strings.HasPrefix(q.changeSQL[0], "SELECT * FROM pg_logical_slot_get_binary_changes"))
	assert.NotContains(t, q.changeSQL[0], "location")
}

func TestSQLSourceQueryFailure(t *testing.T) {
	q := newChangeQuerier()
	src := newTestSQLSource(t, q)
	q.changeErr = &pgconn.PgError{Code: "55006", Message: "replication slot is active"}

	_, err := src.Changes(context.Background(), nil)
	require.Error(t, err)

	var rErr *RetrieveError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "test_slot", rErr.Slot)
	assert.Equal(t, "55006", rErr.SQLState)
}

func TestSQLSourceBadPositionFailsWholeBatch(t *testing.T) {
	q := newChangeQuerier([][]any{
		{"0/16B6C50", uint32(1), []byte{1}},
		{"not-an-lsn", uint32(1), []byte{2}},
	})
	src := newTestSQLSource(t, q)

	// All-or-nothing: one bad row returns no messages at all
	_, err := src.Changes(context.Background(), nil)
	require.Error(t, err)

	var rErr *RetrieveError
	require.ErrorAs(t, err, &rErr)
}

func TestSQLSourceCleanupIdempotent(t *testing.T) {
	q := newChangeQuerier()
	src := newTestSQLSource(t, q)

	closes := 0
	src.closeConn = func(ctx context.Context) error {
		closes++
		return nil
	}

	src.Cleanup(context.Background())
	src.Cleanup(context.Background())
	assert.Equal(t, 1, closes)
}

func TestSQLSourceCleanupSwallowsErrors(t *testing.T) {
	q := newChangeQuerier()
	src := newTestSQLSource(t, q)
	src.closeConn = func(ctx context.Context) error {
		return errors.New("already closed")
	}

	// Must not panic or propagate
	src.Cleanup(context.Background())
}
