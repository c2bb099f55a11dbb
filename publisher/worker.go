package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/telemetry"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Spool           *Spool        // Spool to read from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g. "pglogical.cdc")
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts (0 = default)
}

// Worker polls the spool and publishes events to a sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64 // Current position
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new sink worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Spool == nil {
		return nil, fmt.Errorf("spool is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Spool.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A new sink starts at the earliest entry still in the spool
	if cursor == 0 {
		earliest, err := findEarliestEntry(config.Spool)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		cursor = earliest
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// findEarliestEntry finds the earliest available entry in the spool
func findEarliestEntry(sp *Spool) (uint64, error) {
	events, err := sp.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	// ReadFrom reads from cursor+1, so the cursor is the first seq minus 1
	return events[0].Seq - 1, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting sink worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping sink worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Sink worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			events, err := w.config.Spool.ReadFrom(w.cursor, w.config.BatchSize)
			if err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("cursor", w.cursor).
					Msg("Failed to read from spool")
				w.sleep(w.config.PollInterval)
				continue
			}

			if len(events) == 0 {
				w.sleep(w.config.PollInterval)
				continue
			}

			for _, event := range events {
				if err := w.processEvent(event); err != nil {
					log.Error().
						Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", event.Seq).
						Msg("Failed to process event")
					return
				}
				w.cursor = event.Seq
			}
		}
	}
}

// processEvent publishes a single event.
// Delivery semantics: at-least-once with cursor tracking.
//   - Events are published first, then the cursor is advanced.
//   - If the cursor advance fails, the event may be redelivered on restart.
//   - Filtered events advance the cursor without publishing.
func (w *Worker) processEvent(event Event) error {
	if !w.config.Filter.Match(event.Schema, event.Table) {
		if err := w.config.Spool.AdvanceCursor(w.config.Name, event.Seq); err != nil {
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("seq", event.Seq).
				Msg("Failed to advance cursor for filtered event")
		}
		return nil
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := w.buildTopic(event.Schema, event.Table)

	if err := w.publishWithRetry(topic, event.Key, data); err != nil {
		return err
	}

	// For DELETE operations, also send a tombstone
	if event.Operation == OpDelete {
		tombstone := w.config.Transformer.Tombstone(event.Key)
		if err := w.publishWithRetry(topic, event.Key, tombstone); err != nil {
			return err
		}
	}

	if err := w.config.Spool.AdvanceCursor(w.config.Name, event.Seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.Seq).
			Msg("Failed to advance cursor after successful publish - event may be redelivered")
	}

	return nil
}

// buildTopic builds the topic name for an event
func (w *Worker) buildTopic(schema, table string) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", schema, table)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, schema, table)
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns an error when retries are exhausted or the worker is stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.config.RetryInitial
	bo.MaxInterval = w.config.RetryMax
	bo.Multiplier = w.config.RetryMultiplier
	bo.MaxElapsedTime = 0 // Bounded by MaxRetries, not wall time

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(w.config.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		started := time.Now()
		err := w.config.Sink.Publish(topic, key, data)
		telemetry.PublishDurationSeconds.With(w.config.Name).Observe(time.Since(started).Seconds())
		if err != nil {
			telemetry.PublishTotal.With(w.config.Name, "error").Inc()
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Str("topic", topic).
				Int("attempt", attempt).
				Msg("Publish failed, will retry")
			return err
		}
		telemetry.PublishTotal.With(w.config.Name, "ok").Inc()
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("publish to %s failed after %d attempts: %w", topic, attempt, err)
	}
	return nil
}

// sleep waits for the given duration or until the worker is stopped
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}
