package source

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/telemetry"
)

// Querier is the slice of a pgx connection the slot manager and the SQL
// source need. *pgx.Conn satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const defaultSlotPollInterval = 100 * time.Millisecond

var pgDialect = goqu.Dialect("postgres")

var errSlotStillActive = errors.New("slot still active")

// SlotManager owns the existence of a named replication slot: it creates,
// detects, and drops the slot over a plain SQL connection. Attach/detach is
// the live change source's business, not the manager's.
type SlotManager struct {
	conn         Querier
	pollInterval time.Duration
}

func NewSlotManager(conn Querier) *SlotManager {
	return &SlotManager{
		conn:         conn,
		pollInterval: defaultSlotPollInterval,
	}
}

// Exists reports whether a replication slot with the given name exists.
func (m *SlotManager) Exists(ctx context.Context, name string) (bool, error) {
	sql, args, err := pgDialect.
		From(goqu.T("pg_replication_slots").Schema("pg_catalog")).
		Select(goqu.L("1")).
		Where(goqu.C("slot_name").Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}

	rows, err := m.conn.Query(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return exists, nil
}

// State reports whether the slot exists and whether a consumer currently
// holds it active.
func (m *SlotManager) State(ctx context.Context, name string) (exists, active bool, err error) {
	return m.activity(ctx, name)
}

// activity reports whether the slot exists and whether a consumer currently
// holds it active.
func (m *SlotManager) activity(ctx context.Context, name string) (exists, active bool, err error) {
	sql, args, err := pgDialect.
		From(goqu.T("pg_replication_slots").Schema("pg_catalog")).
		Select(goqu.C("active")).
		Where(goqu.C("slot_name").Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, false, err
	}

	rows, err := m.conn.Query(ctx, sql, args...)
	if err != nil {
		return false, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return false, false, rows.Err()
	}
	if err := rows.Scan(&active); err != nil {
		return false, false, err
	}
	return true, active, rows.Err()
}

// Ensure creates the slot bound to the given output plugin, dropping any
// pre-existing slot with the same name first. The drop is best-effort (a
// stale slot from a crashed run may be gone already); creation failures are
// strict and abort source construction.
func (m *SlotManager) Ensure(ctx context.Context, name, plugin string) error {
	exists, err := m.Exists(ctx, name)
	if err != nil {
		return &SlotCreateError{Slot: name, Err: err}
	}
	if exists {
		if err := m.drop(ctx, name); err != nil {
			log.Warn().Err(err).Str("slot", name).
				Msg("Failed to drop pre-existing replication slot")
			telemetry.SlotOpsTotal.With("drop", "error").Inc()
		} else {
			log.Debug().Str("slot", name).Msg("Dropped pre-existing replication slot")
			telemetry.SlotOpsTotal.With("drop", "ok").Inc()
		}
	}

	_, err = m.conn.Exec(ctx, "SELECT pg_create_logical_replication_slot($1, $2)", name, plugin)
	if err != nil {
		telemetry.SlotOpsTotal.With("create", "error").Inc()
		return &SlotCreateError{Slot: name, Err: err}
	}

	log.Info().Str("slot", name).Str("plugin", plugin).Msg("Created replication slot")
	telemetry.SlotOpsTotal.With("create", "ok").Inc()
	return nil
}

// DropWhenIdle waits for the slot to go idle, then drops it. The server
// refuses to drop an active slot, and on the walsender path the consumer
// connection may still be disconnecting when teardown begins, so the slot is
// polled at a fixed short interval until it frees up or maxWait elapses
// (SlotBusyError). A missing slot counts as already dropped.
func (m *SlotManager) DropWhenIdle(ctx context.Context, name string, maxWait time.Duration) error {
	started := time.Now()
	deadline := started.Add(maxWait)

	op := func() error {
		exists, active, err := m.activity(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !exists {
			return nil
		}
		if active {
			if time.Now().After(deadline) {
				telemetry.SlotOpsTotal.With("drop", "busy").Inc()
				return backoff.Permanent(&SlotBusyError{Slot: name, Wait: maxWait})
			}
			return errSlotStillActive
		}
		if err := m.drop(ctx, name); err != nil {
			telemetry.SlotOpsTotal.With("drop", "error").Inc()
			return backoff.Permanent(err)
		}
		telemetry.SlotOpsTotal.With("drop", "ok").Inc()
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(m.pollInterval), ctx))
	telemetry.SlotDropWaitSeconds.Observe(time.Since(started).Seconds())
	if err == nil {
		log.Debug().Str("slot", name).Dur("waited", time.Since(started)).Msg("Dropped replication slot")
	}
	return err
}

func (m *SlotManager) drop(ctx context.Context, name string) error {
	_, err := m.conn.Exec(ctx, "SELECT pg_drop_replication_slot($1)", name)
	return err
}
