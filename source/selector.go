package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Mode selects which change source variant to construct.
type Mode string

const (
	ModeSQL       Mode = "sql"
	ModeWalsender Mode = "walsender"
)

// New connects to the server and constructs the change source variant for
// the given mode. The decision is made here, once; everything downstream
// sees only the ChangeSource interface.
func New(ctx context.Context, mode Mode, dsn string, cfg Config) (ChangeSource, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	switch mode {
	case ModeSQL, "":
		src, err := NewSQLSource(ctx, conn, cfg)
		if err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}
		src.closeConn = conn.Close
		return src, nil

	case ModeWalsender:
		repl, err := DialReplication(ctx, dsn)
		if err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("connect replication: %w", err)
		}
		src, err := NewWalsenderSource(ctx, repl, conn, cfg)
		if err != nil {
			_ = repl.Close(ctx)
			_ = conn.Close(ctx)
			return nil, err
		}
		src.closeSQL = conn.Close
		return src, nil

	default:
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("unknown change source mode %q", mode)
	}
}
