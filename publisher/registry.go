package publisher

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/cfg"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	SpoolDir    string                  // Spool database location
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the spool and the lifecycle of all sink workers
type Registry struct {
	spool   *Spool
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a new publisher registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.SpoolDir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}

	spool, err := OpenSpool(filepath.Join(config.SpoolDir, "spool"))
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	registry := &Registry{
		spool:   spool,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				if worker.config.Sink != nil {
					worker.config.Sink.Close()
				}
			}
			spool.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterSchemas)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Spool:           r.spool,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting publisher registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers and closes the spool
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping publisher registry")

	for _, worker := range r.workers {
		worker.Stop()
	}

	if err := r.spool.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close spool")
	}

	log.Info().Msg("Publisher registry stopped")
}

// Append adds events to the spool.
// Called from the change pump; Spool.Append is safe for concurrent use.
func (r *Registry) Append(events []Event) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.spool.Append(events)
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transformer format: %s", format)
	}

	return factory(), nil
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}
