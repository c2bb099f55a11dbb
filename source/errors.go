package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SlotCreateError means the server rejected slot creation during source
// construction. Setup-fatal: the source must not be used.
type SlotCreateError struct {
	Slot string
	Err  error
}

func (e *SlotCreateError) Error() string {
	return fmt.Sprintf("create replication slot %q: %v", e.Slot, e.Err)
}

func (e *SlotCreateError) Unwrap() error { return e.Err }

// SlotBusyError means a slot stayed active past the drop deadline. Raised
// only on teardown paths, where it is logged and swallowed; the slot is left
// in existence.
type SlotBusyError struct {
	Slot string
	Wait time.Duration
}

func (e *SlotBusyError) Error() string {
	return fmt.Sprintf("replication slot %q still active after %s", e.Slot, e.Wait)
}

// RetrieveError wraps a failed change-retrieval call. No partial results
// accompany it; the call is all-or-nothing.
type RetrieveError struct {
	Slot     string
	SQLState string
	Err      error
}

func (e *RetrieveError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("retrieve changes from slot %q (SQLSTATE %s): %v", e.Slot, e.SQLState, e.Err)
	}
	return fmt.Sprintf("retrieve changes from slot %q: %v", e.Slot, e.Err)
}

func (e *RetrieveError) Unwrap() error { return e.Err }

// TimeoutError means the walsender stream produced nothing within the
// receive timeout. The caller asked for a message the server apparently will
// not send; surfacing the stall loudly is deliberate. Callers wanting long
// idle periods catch this and pull again.
type TimeoutError struct {
	Slot string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no replication message from slot %q within %s", e.Slot, e.Wait)
}

// sqlState extracts the server error code, when there is one.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
