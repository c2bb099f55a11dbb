package publisher

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/encoding"
	"github.com/mullr/pglogical/telemetry"
)

// Key prefixes for Pebble storage
const (
	prefixSpool  = "/spool/"  // /spool/{16-digit-zero-padded-seq}
	prefixCursor = "/cursor/" // /cursor/{sinkName}
	prefixSeq    = "/seq"     // /seq -> uint64 (last assigned sequence)
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences (newSeq & cleanupIntervalMask == 0)
)

// Spool is a Pebble-backed append-only log of change events with per-sink
// consumption cursors
type Spool struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// Last assigned sequence number (atomic); writes are serialized by appendMu
	nextSeq  atomic.Uint64
	appendMu sync.Mutex

	// Cleanup tracking
	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	// Closed state
	closed atomic.Bool
}

// OpenSpool creates or opens a Pebble-backed spool at the given path
func OpenSpool(path string) (*Spool, error) {
	opts := &pebble.Options{
		// Optimize for sequential writes
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool at %s: %w", path, err)
	}

	sp := &Spool{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := sp.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	if err := sp.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return sp, nil
}

func (sp *Spool) loadNextSeq() error {
	val, closer, err := sp.db.Get([]byte(prefixSeq))
	if err == pebble.ErrNotFound {
		// First run - start at 0 (first Add(1) will give us sequence 1)
		sp.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	sp.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (sp *Spool) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := sp.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for sink %s: invalid length %d", key, len(val))
		}

		sp.cursors[key] = binary.LittleEndian.Uint64(val)
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("cursors", count).Msg("Loaded spool cursors")
	}

	return nil
}

// Append adds events to the spool and assigns sequence numbers. Safe for
// concurrent use: appends are serialized so sequence assignment and the
// persisted head record advance together.
// Note: This function modifies the input events slice by setting Seq on each event.
func (sp *Spool) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	if sp.closed.Load() {
		return fmt.Errorf("spool is closed")
	}

	// One writer at a time: a slower writer committing out of order would
	// persist a stale head and hand out duplicate sequences after reopen
	sp.appendMu.Lock()
	defer sp.appendMu.Unlock()

	// Reserve sequence numbers locally first (before commit)
	localSeq := sp.nextSeq.Load()

	batch := sp.db.NewBatch()
	defer batch.Close()

	for i := range events {
		localSeq++
		events[i].Seq = localSeq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		key := formatSpoolKey(localSeq)
		if err := batch.Set([]byte(key), val, pebble.Sync); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, localSeq)
	if err := batch.Set([]byte(prefixSeq), seqBuf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only update in-memory nextSeq AFTER successful commit
	sp.nextSeq.Store(localSeq)

	telemetry.SpoolAppendsTotal.Add(float64(len(events)))
	sp.updateDepth()

	return nil
}

// ReadFrom reads events starting after the given cursor, up to limit events
func (sp *Spool) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if sp.closed.Load() {
		return nil, fmt.Errorf("spool is closed")
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	// Start from cursor + 1 (cursor is the last processed event)
	startKey := formatSpoolKey(cursor + 1)
	prefix := []byte(prefixSpool)

	iter, err := sp.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(startKey),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.SeekGE([]byte(startKey)); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			// Log and skip corrupted events
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal spooled event")
			continue
		}

		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// GetCursor returns the current cursor for a sink
func (sp *Spool) GetCursor(sinkName string) (uint64, error) {
	if sp.closed.Load() {
		return 0, fmt.Errorf("spool is closed")
	}

	sp.cursorsMu.RLock()
	cursor, exists := sp.cursors[sinkName]
	sp.cursorsMu.RUnlock()

	if exists {
		return cursor, nil
	}

	// Not in memory - check Pebble
	key := prefixCursor + sinkName
	val, closer, err := sp.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil // New sink - start from beginning
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}

	cursor = binary.LittleEndian.Uint64(val)

	// Cache in memory with proper double-check locking
	sp.cursorsMu.Lock()
	if existingCursor, exists := sp.cursors[sinkName]; exists {
		sp.cursorsMu.Unlock()
		return existingCursor, nil
	}
	sp.cursors[sinkName] = cursor
	sp.cursorsMu.Unlock()

	return cursor, nil
}

// AdvanceCursor updates the cursor for a sink and triggers cleanup periodically
func (sp *Spool) AdvanceCursor(sinkName string, newSeq uint64) error {
	if sp.closed.Load() {
		return fmt.Errorf("spool is closed")
	}

	sp.cursorsMu.Lock()
	sp.cursors[sinkName] = newSeq
	sp.cursorsMu.Unlock()

	key := prefixCursor + sinkName
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newSeq)

	if err := sp.db.Set([]byte(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	sp.updateDepth()

	// Trigger cleanup every 128 sequence numbers, at most one goroutine at a time
	if newSeq&cleanupIntervalMask == 0 {
		if sp.cleanupRunning.CompareAndSwap(false, true) {
			sp.cleanupWg.Add(1)
			go sp.cleanupAsync()
		}
	}

	return nil
}

// updateDepth reports how far the slowest sink trails the spool head
func (sp *Spool) updateDepth() {
	head := sp.nextSeq.Load()

	sp.cursorsMu.RLock()
	minCursor := head
	for _, cursor := range sp.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	sp.cursorsMu.RUnlock()

	telemetry.SpoolDepth.Set(float64(head - minCursor))
}

// cleanup deletes old spool entries below the minimum cursor.
// Safe to call directly (e.g. from tests); does not use WaitGroup tracking.
func (sp *Spool) cleanup() {
	sp.cleanupMu.Lock()
	defer sp.cleanupMu.Unlock()

	if sp.closed.Load() {
		return
	}

	// Find minimum cursor across all sinks
	sp.cursorsMu.RLock()
	if len(sp.cursors) == 0 {
		sp.cursorsMu.RUnlock()
		return
	}

	minCursor := uint64(^uint64(0))
	for _, cursor := range sp.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	sp.cursorsMu.RUnlock()

	if minCursor == 0 {
		return // Nothing to cleanup
	}

	// Delete all entries with seq < minCursor
	startKey := []byte(prefixSpool)
	endKey := []byte(formatSpoolKey(minCursor))

	if err := sp.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to cleanup spool")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up spool entries")
}

func (sp *Spool) cleanupAsync() {
	defer sp.cleanupWg.Done()
	defer sp.cleanupRunning.Store(false)
	sp.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup goroutines
func (sp *Spool) Close() error {
	if !sp.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("spool already closed")
	}

	sp.cleanupWg.Wait()

	if sp.db != nil {
		return sp.db.Close()
	}
	return nil
}

// formatSpoolKey formats a spool key with a zero-padded sequence so
// lexicographic key order matches numeric sequence order
func formatSpoolKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixSpool, seq)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
