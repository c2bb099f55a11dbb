package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/telemetry"
)

// SQLSource retrieves changes through pg_logical_slot_get_binary_changes:
// one request/response round trip per Changes call, returning the batch of
// changes available since the previous call. The slot's confirmed read
// position advances server-side as a side effect, so calls are not
// idempotent.
type SQLSource struct {
	conn      Querier
	closeConn func(context.Context) error
	slots     *SlotManager
	cfg       Config
	lastPos   pglogrepl.LSN

	cleanupOnce sync.Once
}

// NewSQLSource creates the slot (dropping a stale one first) and returns a
// ready source. The connection stays owned by the source until Cleanup.
func NewSQLSource(ctx context.Context, conn Querier, cfg Config) (*SQLSource, error) {
	if cfg.Slot == "" {
		return nil, errors.New("replication slot name is required")
	}
	cfg = cfg.withDefaults()

	slots := NewSlotManager(conn)
	slots.pollInterval = cfg.PollInterval
	if err := slots.Ensure(ctx, cfg.Slot, cfg.Plugin); err != nil {
		return nil, err
	}

	return &SQLSource{
		conn:  conn,
		slots: slots,
		cfg:   cfg,
	}, nil
}

// Changes issues one pg_logical_slot_get_binary_changes call and returns the
// fully materialized batch. All-or-nothing: a failure mid-read returns no
// messages at all.
func (s *SQLSource) Changes(ctx context.Context, opts Options) (MessageIterator, error) {
	params := opts.Params()

	// The position column is named "location" before PostgreSQL 10 and
	// "lsn" from 10 on; selecting * and scanning by position works on both.
	var sb strings.Builder
	sb.WriteString("SELECT * FROM pg_logical_slot_get_binary_changes($1, NULL, NULL")
	args := make([]any, 0, len(params)+1)
	args = append(args, s.cfg.Slot)
	for i, p := range params {
		fmt.Fprintf(&sb, ", $%d", i+2)
		args = append(args, p)
	}
	sb.WriteString(")")

	started := time.Now()
	rows, err := s.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, s.retrieveError(err)
	}
	defer rows.Close()

	var msgs []RawMessage
	for rows.Next() {
		var (
			loc  string
			xid  uint32
			data []byte
		)
		if err := rows.Scan(&loc, &xid, &data); err != nil {
			return nil, s.retrieveError(err)
		}
		lsn, err := pglogrepl.ParseLSN(loc)
		if err != nil {
			return nil, s.retrieveError(err)
		}
		x := xid
		msgs = append(msgs, RawMessage{WALStart: lsn, Xid: &x, Payload: data})
	}
	if err := rows.Err(); err != nil {
		return nil, s.retrieveError(err)
	}

	if len(msgs) > 0 {
		// The batch end is the last position returned; every message in
		// the batch carries it so consumers can tell where this round
		// trip's confirmed read pointer landed.
		end := msgs[len(msgs)-1].WALStart
		for i := range msgs {
			e := end
			msgs[i].WALEnd = &e
		}
		s.lastPos = end
	}

	telemetry.RetrieveDurationSeconds.With("sql").Observe(time.Since(started).Seconds())
	telemetry.MessagesTotal.With("sql").Add(float64(len(msgs)))
	log.Debug().
		Str("slot", s.cfg.Slot).
		Int("messages", len(msgs)).
		Stringer("position", s.lastPos).
		Msg("Retrieved change batch")

	return &batchIterator{msgs: msgs}, nil
}

// Position is the last confirmed read position, zero before the first
// non-empty batch.
func (s *SQLSource) Position() pglogrepl.LSN {
	return s.lastPos
}

// Cleanup drops the slot and closes the connection. Idempotent; failures are
// logged and swallowed.
func (s *SQLSource) Cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		if err := s.slots.DropWhenIdle(ctx, s.cfg.Slot, s.cfg.DropWait); err != nil {
			log.Warn().Err(err).Str("slot", s.cfg.Slot).Str("mode", "sql").
				Msg("Leaving replication slot behind")
		}
		if s.closeConn != nil {
			if err := s.closeConn(ctx); err != nil {
				log.Warn().Err(err).Str("mode", "sql").Msg("Failed to close connection")
			}
		}
	})
}

func (s *SQLSource) retrieveError(err error) error {
	telemetry.RetrieveErrorsTotal.With("sql").Inc()
	return &RetrieveError{Slot: s.cfg.Slot, SQLState: sqlState(err), Err: err}
}
