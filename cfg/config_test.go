package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pglogical.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[connection]
dsn = "host=db1 dbname=app"

[slot]
name = "fixed_slot"
plugin = "pglogical_output"

[source]
mode = "walsender"
receive_timeout_ms = 2000
`)

	require.NoError(t, Load(path))

	assert.Equal(t, "host=db1 dbname=app", Config.Connection.DSN)
	assert.Equal(t, "fixed_slot", Config.Slot.Name)
	assert.Equal(t, "walsender", Config.Source.Mode)
	assert.Equal(t, 2000, Config.Source.ReceiveTimeoutMS)
	// Untouched sections keep their defaults
	assert.Equal(t, "UTF8", Config.Options.ExpectedEncoding)
}

func TestLoadGeneratesSlotName(t *testing.T) {
	Config.Slot.Name = ""
	require.NoError(t, Load(""))

	assert.NotEmpty(t, Config.Slot.Name)
	assert.Contains(t, Config.Slot.Name, "pglogical_")

	// Two sessions never share a generated name
	first := Config.Slot.Name
	Config.Slot.Name = ""
	require.NoError(t, Load(""))
	assert.NotEqual(t, first, Config.Slot.Name)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	require.NoError(t, Load(filepath.Join(t.TempDir(), "absent.toml")))
	assert.Equal(t, "pglogical_output", Config.Slot.Plugin)
}

func TestValidate(t *testing.T) {
	reset := func() {
		Config.Connection.DSN = "host=localhost"
		Config.Source.Mode = "sql"
		Config.Source.ReceiveTimeoutMS = 1000
		Config.Slot.Name = "s"
		Config.Slot.Plugin = "pglogical_output"
		Config.Slot.DropWaitMS = 5000
		Config.Slot.PollIntervalMS = 100
		Config.Logging.Format = "console"
		Config.Admin.Enabled = true
		Config.Admin.Port = 8981
		Config.Publisher.Enabled = false
	}

	reset()
	assert.NoError(t, Validate())

	reset()
	Config.Connection.DSN = ""
	assert.Error(t, Validate())

	reset()
	Config.Source.Mode = "carrier_pigeon"
	assert.Error(t, Validate())

	reset()
	Config.Source.ReceiveTimeoutMS = 0
	assert.Error(t, Validate())

	reset()
	Config.Slot.Plugin = ""
	assert.Error(t, Validate())

	reset()
	Config.Slot.DropWaitMS = 0
	assert.Error(t, Validate())

	reset()
	Config.Logging.Format = "xml"
	assert.Error(t, Validate())

	reset()
	Config.Admin.Port = 70000
	assert.Error(t, Validate())
}

func TestValidateSinks(t *testing.T) {
	Config.Connection.DSN = "host=localhost"
	Config.Source.Mode = "sql"
	Config.Source.ReceiveTimeoutMS = 1000
	Config.Slot.Plugin = "pglogical_output"
	Config.Slot.DropWaitMS = 5000
	Config.Slot.PollIntervalMS = 100
	Config.Logging.Format = "console"
	Config.Admin.Enabled = false
	Config.Publisher.Enabled = true
	Config.Publisher.SpoolDir = "/tmp/spool"

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "k", Type: "kafka", Format: "debezium"}}
	assert.NoError(t, Validate())

	Config.Publisher.Sinks = []SinkConfiguration{{Type: "kafka", Format: "debezium"}}
	assert.Error(t, Validate(), "sink name required")

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "k", Format: "debezium"}}
	assert.Error(t, Validate(), "sink type required")

	Config.Publisher.Sinks = []SinkConfiguration{{Name: "k", Type: "kafka"}}
	assert.Error(t, Validate(), "sink format required")

	Config.Publisher.Sinks = nil
	Config.Publisher.SpoolDir = ""
	assert.Error(t, Validate(), "spool dir required")

	Config.Publisher.Enabled = false
}
