package source

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// fakeRows is a minimal pgx.Rows over in-memory values
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.idx-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) > len(row) {
		return fmt.Errorf("scan wants %d values, row has %d", len(dest), len(row))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *uint32:
			*d = row[i].(uint32)
		case *bool:
			*d = row[i].(bool)
		case *[]byte:
			*d = row[i].([]byte)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

// fakeQuerier scripts Query and Exec responses and records the statements
// it saw
type fakeQuerier struct {
	queryFn func(sql string, args []any) (pgx.Rows, error)
	execFn  func(sql string, args []any) (pgconn.CommandTag, error)

	queries []string
	execs   []string
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.queries = append(q.queries, sql)
	if q.queryFn != nil {
		return q.queryFn(sql, args)
	}
	return &fakeRows{}, nil
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, sql)
	if q.execFn != nil {
		return q.execFn(sql, args)
	}
	return pgconn.CommandTag{}, nil
}

// fakeReplConn scripts the walsender protocol surface
type fakeReplConn struct {
	createErr error
	dropErr   error
	startErr  error

	created    []string
	dropped    []string
	started    []string
	pluginArgs []string
	closed     int

	// receive results are consumed in order; when exhausted, receiveErr
	// (or a timeout) is returned
	receives   []pgproto3.BackendMessage
	receiveIdx int
	receiveErr error
}

func (c *fakeReplConn) CreateSlot(ctx context.Context, slot, plugin string) error {
	c.created = append(c.created, slot)
	return c.createErr
}

func (c *fakeReplConn) DropSlot(ctx context.Context, slot string) error {
	c.dropped = append(c.dropped, slot)
	return c.dropErr
}

func (c *fakeReplConn) StartReplication(ctx context.Context, slot string, start pglogrepl.LSN, pluginArgs []string) error {
	c.started = append(c.started, slot)
	c.pluginArgs = pluginArgs
	return c.startErr
}

func (c *fakeReplConn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.receiveIdx < len(c.receives) {
		msg := c.receives[c.receiveIdx]
		c.receiveIdx++
		return msg, nil
	}
	if c.receiveErr != nil {
		return nil, c.receiveErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeReplConn) Close(ctx context.Context) error {
	c.closed++
	return nil
}

// slotStateQuerier answers the slot catalog queries the slot manager issues.
// Existence and activity answers are popped off per call so tests can script
// transitions like active -> idle.
type slotStateQuerier struct {
	fakeQuerier
	states []slotState
}

type slotState struct {
	exists bool
	active bool
}

func newSlotStateQuerier(states ...slotState) *slotStateQuerier {
	q := &slotStateQuerier{states: states}
	q.queryFn = func(sql string, args []any) (pgx.Rows, error) {
		st := q.states[0]
		if len(q.states) > 1 {
			q.states = q.states[1:]
		}
		if !st.exists {
			return &fakeRows{}, nil
		}
		return &fakeRows{rows: [][]any{{st.active}}}, nil
	}
	return q
}
