package source

import "time"

const (
	// DefaultPlugin is the output plugin slots are bound to.
	DefaultPlugin = "pglogical_output"

	// DefaultDropWait bounds how long Cleanup waits for the slot to go idle.
	DefaultDropWait = 5 * time.Second

	// DefaultReceiveTimeout bounds how long the walsender source waits for
	// the next message before failing the iteration.
	DefaultReceiveTimeout = time.Second
)

// Config carries the slot identity and timing knobs shared by both source
// variants. Slot is required; everything else has a default.
type Config struct {
	Slot           string
	Plugin         string
	DropWait       time.Duration
	PollInterval   time.Duration
	ReceiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Plugin == "" {
		c.Plugin = DefaultPlugin
	}
	if c.DropWait <= 0 {
		c.DropWait = DefaultDropWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultSlotPollInterval
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	return c
}
