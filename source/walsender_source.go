package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/telemetry"
)

// ReplicationConn is the walsender-protocol capability the streaming source
// requires: slot commands, START_REPLICATION, and raw message receipt.
type ReplicationConn interface {
	CreateSlot(ctx context.Context, slot, plugin string) error
	DropSlot(ctx context.Context, slot string) error
	StartReplication(ctx context.Context, slot string, start pglogrepl.LSN, pluginArgs []string) error
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	Close(ctx context.Context) error
}

type pgReplicationConn struct {
	conn *pgconn.PgConn
}

func (c *pgReplicationConn) CreateSlot(ctx context.Context, slot, plugin string) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, c.conn, slot, plugin,
		pglogrepl.CreateReplicationSlotOptions{})
	return err
}

func (c *pgReplicationConn) DropSlot(ctx context.Context, slot string) error {
	return pglogrepl.DropReplicationSlot(ctx, c.conn, slot, pglogrepl.DropReplicationSlotOptions{})
}

func (c *pgReplicationConn) StartReplication(ctx context.Context, slot string, start pglogrepl.LSN, pluginArgs []string) error {
	return pglogrepl.StartReplication(ctx, c.conn, slot, start,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
}

func (c *pgReplicationConn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	return c.conn.ReceiveMessage(ctx)
}

func (c *pgReplicationConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// DialReplication opens a dedicated replication-mode connection.
func DialReplication(ctx context.Context, dsn string) (ReplicationConn, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &pgReplicationConn{conn: conn}, nil
}

// WalsenderSource retrieves changes over a long-lived replication-protocol
// connection. The stream starts on the first Changes call and is one-shot:
// once it ends or fails, a fresh source (and a fresh START_REPLICATION) is
// required.
type WalsenderSource struct {
	repl     ReplicationConn
	slots    *SlotManager
	closeSQL func(context.Context) error
	cfg      Config
	started  bool
	lastPos  pglogrepl.LSN

	cleanupOnce sync.Once
}

// NewWalsenderSource creates the slot over the walsender protocol (dropping
// a stale one first, best-effort) and returns a source ready to stream. The
// plain SQL connection behind sqlConn is used only for slot state queries
// and the final drop; the replication connection cannot leave COPY BOTH mode
// to issue those itself.
func NewWalsenderSource(ctx context.Context, repl ReplicationConn, sqlConn Querier, cfg Config) (*WalsenderSource, error) {
	if cfg.Slot == "" {
		return nil, errors.New("replication slot name is required")
	}
	cfg = cfg.withDefaults()

	slots := NewSlotManager(sqlConn)
	slots.pollInterval = cfg.PollInterval
	exists, err := slots.Exists(ctx, cfg.Slot)
	if err != nil {
		return nil, &SlotCreateError{Slot: cfg.Slot, Err: err}
	}
	if exists {
		if err := repl.DropSlot(ctx, cfg.Slot); err != nil {
			log.Warn().Err(err).Str("slot", cfg.Slot).
				Msg("Failed to drop pre-existing replication slot")
			telemetry.SlotOpsTotal.With("drop", "error").Inc()
		} else {
			log.Debug().Str("slot", cfg.Slot).Msg("Dropped pre-existing replication slot")
			telemetry.SlotOpsTotal.With("drop", "ok").Inc()
		}
	}

	if err := repl.CreateSlot(ctx, cfg.Slot, cfg.Plugin); err != nil {
		telemetry.SlotOpsTotal.With("create", "error").Inc()
		return nil, &SlotCreateError{Slot: cfg.Slot, Err: err}
	}
	log.Info().Str("slot", cfg.Slot).Str("plugin", cfg.Plugin).Msg("Created replication slot")
	telemetry.SlotOpsTotal.With("create", "ok").Inc()

	return &WalsenderSource{
		repl:  repl,
		slots: slots,
		cfg:   cfg,
	}, nil
}

// Changes starts replication on the first call (exactly once) and returns an
// iterator over the shared stream. Later calls reuse the running stream.
func (s *WalsenderSource) Changes(ctx context.Context, opts Options) (MessageIterator, error) {
	if !s.started {
		if err := s.repl.StartReplication(ctx, s.cfg.Slot, 0, opts.PluginArgs()); err != nil {
			return nil, &RetrieveError{Slot: s.cfg.Slot, SQLState: sqlState(err), Err: err}
		}
		s.started = true
		log.Info().Str("slot", s.cfg.Slot).Msg("Replication started")
	}
	return &streamIterator{src: s}, nil
}

// Position is the WAL position of the last message received.
func (s *WalsenderSource) Position() pglogrepl.LSN {
	return s.lastPos
}

// Cleanup closes both connections and drops the slot once the server marks
// it idle. Closing the replication connection is the only way out of COPY
// BOTH mode, and the server may take a moment to notice the disconnect;
// DropWhenIdle absorbs that race. Idempotent, never propagates errors.
func (s *WalsenderSource) Cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		if err := s.repl.Close(ctx); err != nil {
			log.Warn().Err(err).Str("mode", "walsender").Msg("Failed to close replication connection")
		}
		if err := s.slots.DropWhenIdle(ctx, s.cfg.Slot, s.cfg.DropWait); err != nil {
			log.Warn().Err(err).Str("slot", s.cfg.Slot).Str("mode", "walsender").
				Msg("Leaving replication slot behind")
		}
		if s.closeSQL != nil {
			if err := s.closeSQL(ctx); err != nil {
				log.Warn().Err(err).Str("mode", "walsender").Msg("Failed to close connection")
			}
		}
	})
}

type streamIterator struct {
	src  *WalsenderSource
	done bool
}

// Next blocks until the next change arrives, the receive timeout elapses
// (TimeoutError), or the stream terminates (io.EOF). Keepalives are consumed
// silently and reset the wait; no standby status update is ever sent back,
// so a stream the server stops feeding fails loudly instead of idling.
// A timeout ends this iterator's sequence; a fresh Changes call picks the
// still-running stream back up.
func (it *streamIterator) Next(ctx context.Context) (RawMessage, error) {
	if it.done {
		return RawMessage{}, io.EOF
	}
	s := it.src

	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiveTimeout)
		msg, err := s.repl.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				it.done = true
				return RawMessage{}, ctx.Err()
			}
			// pgconn.Timeout only matches pgconn's own timeout type; the
			// receive deadline surfaces as context.DeadlineExceeded when the
			// parent context is still live.
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				telemetry.StreamTimeoutsTotal.Inc()
				it.done = true
				return RawMessage{}, &TimeoutError{Slot: s.cfg.Slot, Wait: s.cfg.ReceiveTimeout}
			}
			log.Error().Err(err).Str("slot", s.cfg.Slot).Str("sqlstate", sqlState(err)).
				Msg("Replication stream read failed")
			it.done = true
			return RawMessage{}, io.EOF
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			log.Error().
				Str("slot", s.cfg.Slot).
				Str("sqlstate", m.Code).
				Str("message", m.Message).
				Msg("Server terminated replication stream")
			it.done = true
			return RawMessage{}, io.EOF

		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					log.Warn().Err(err).Str("slot", s.cfg.Slot).Msg("Malformed keepalive")
					continue
				}
				telemetry.KeepalivesTotal.Inc()
				log.Debug().Stringer("server_wal_end", pkm.ServerWALEnd).Msg("Keepalive received")
				continue

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					log.Error().Err(err).Str("slot", s.cfg.Slot).Msg("Malformed XLogData message")
					it.done = true
					return RawMessage{}, io.EOF
				}
				payload := make([]byte, len(xld.WALData))
				copy(payload, xld.WALData)
				s.lastPos = xld.WALStart

				telemetry.MessagesTotal.With("walsender").Inc()
				telemetry.PayloadBytesTotal.With("walsender").Add(float64(len(payload)))
				return RawMessage{WALStart: xld.WALStart, Payload: payload}, nil
			}
		}
	}
}
