package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ConnectionConfiguration for the Postgres server under capture
type ConnectionConfiguration struct {
	DSN string `toml:"dsn"`
}

// SlotConfiguration controls the replication slot lifecycle
type SlotConfiguration struct {
	Name           string `toml:"name"`             // Empty = auto-generate per session
	Plugin         string `toml:"plugin"`           // Output plugin the slot is bound to
	DropWaitMS     int    `toml:"drop_wait_ms"`     // Max wait for the slot to go idle on teardown
	PollIntervalMS int    `toml:"poll_interval_ms"` // Active-flag poll interval during teardown
}

// SourceConfiguration selects and tunes the change source
type SourceConfiguration struct {
	Mode             string `toml:"mode"`               // "sql" or "walsender"
	ReceiveTimeoutMS int    `toml:"receive_timeout_ms"` // Walsender: max wait for the next message
}

// OptionsConfiguration holds the output plugin startup parameters
type OptionsConfiguration struct {
	ExpectedEncoding    string `toml:"expected_encoding"`
	MinProtoVersion     string `toml:"min_proto_version"`
	MaxProtoVersion     string `toml:"max_proto_version"`
	StartupParamsFormat string `toml:"startup_params_format"`
}

// SinkConfiguration configures one publish destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats", "kafka", "mock"
	Format          string   `toml:"format"` // "debezium", "msgpack"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTables    []string `toml:"filter_tables"`
	FilterSchemas   []string `toml:"filter_schemas"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls the decoded-event publish pipeline
type PublisherConfiguration struct {
	Enabled  bool                `toml:"enabled"`
	SpoolDir string              `toml:"spool_dir"`
	Sinks    []SinkConfiguration `toml:"sink"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP status/metrics server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	Connection ConnectionConfiguration `toml:"connection"`
	Slot       SlotConfiguration       `toml:"slot"`
	Source     SourceConfiguration     `toml:"source"`
	Options    OptionsConfiguration    `toml:"options"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "pglogical.toml", "Path to configuration file")
	DSNFlag        = flag.String("dsn", "", "Postgres connection string (overrides config)")
	ModeFlag       = flag.String("mode", "", "Change source mode: sql or walsender (overrides config)")
	SlotFlag       = flag.String("slot", "", "Replication slot name (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Connection: ConnectionConfiguration{
		DSN: "host=localhost dbname=postgres",
	},

	Slot: SlotConfiguration{
		Name:           "", // generated per session in Load
		Plugin:         "pglogical_output",
		DropWaitMS:     5000,
		PollIntervalMS: 100,
	},

	Source: SourceConfiguration{
		Mode:             "sql",
		ReceiveTimeoutMS: 1000,
	},

	Options: OptionsConfiguration{
		ExpectedEncoding:    "UTF8",
		MinProtoVersion:     "1",
		MaxProtoVersion:     "1",
		StartupParamsFormat: "1",
	},

	Publisher: PublisherConfiguration{
		Enabled:  false,
		SpoolDir: "./pglogical-data",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8981,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DSNFlag != "" {
		Config.Connection.DSN = *DSNFlag
	}
	if *ModeFlag != "" {
		Config.Source.Mode = *ModeFlag
	}
	if *SlotFlag != "" {
		Config.Slot.Name = *SlotFlag
	}

	// A fixed process-wide slot name collides as soon as two sessions
	// overlap, so an unset name gets a session-scoped suffix.
	if Config.Slot.Name == "" {
		Config.Slot.Name = generateSlotName()
		log.Info().Str("slot", Config.Slot.Name).Msg("Auto-generated slot name")
	}

	return nil
}

// generateSlotName creates a session-scoped replication slot name
func generateSlotName() string {
	id := uuid.New()
	return fmt.Sprintf("pglogical_%x", id[:4])
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Connection.DSN == "" {
		return fmt.Errorf("connection dsn is required")
	}

	if Config.Source.Mode != "sql" && Config.Source.Mode != "walsender" {
		return fmt.Errorf("invalid source mode: %s", Config.Source.Mode)
	}

	if Config.Source.ReceiveTimeoutMS < 1 {
		return fmt.Errorf("receive timeout must be >= 1ms")
	}

	if Config.Slot.Plugin == "" {
		return fmt.Errorf("slot plugin is required")
	}

	if Config.Slot.DropWaitMS < 1 {
		return fmt.Errorf("slot drop wait must be >= 1ms")
	}

	if Config.Slot.PollIntervalMS < 1 {
		return fmt.Errorf("slot poll interval must be >= 1ms")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Publisher.Enabled {
		if Config.Publisher.SpoolDir == "" {
			return fmt.Errorf("publisher spool dir is required")
		}
		for _, sink := range Config.Publisher.Sinks {
			if sink.Name == "" {
				return fmt.Errorf("sink name is required")
			}
			if sink.Type == "" {
				return fmt.Errorf("sink %q: type is required", sink.Name)
			}
			if sink.Format == "" {
				return fmt.Errorf("sink %q: format is required", sink.Name)
			}
		}
	}

	return nil
}
