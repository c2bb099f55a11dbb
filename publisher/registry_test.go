package publisher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mullr/pglogical/cfg"
)

var registerTestFactories sync.Once

func registryTestSink() *capturingSink {
	snk := &capturingSink{}
	registerTestFactories.Do(func() {
		RegisterTransformer("raw", func() Transformer { return rawTransformer{} })
	})
	RegisterSink("capturing", func(cfg.SinkConfiguration) (Sink, error) {
		return snk, nil
	})
	return snk
}

func TestNewRegistryRequiresSpoolDir(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	require.Error(t, err)
}

func TestNewRegistryUnknownSinkType(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		SpoolDir: t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "s", Type: "no_such_type", Format: "raw"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")
}

func TestRegistryEndToEnd(t *testing.T) {
	snk := registryTestSink()

	registry, err := NewRegistry(RegistryConfig{
		SpoolDir: t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{
			{
				Name:           "capture",
				Type:           "capturing",
				Format:         "raw",
				PollIntervalMS: 1,
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	defer registry.Stop()

	require.NoError(t, registry.Append([]Event{testEvent("users", 1)}))

	require.Eventually(t, func() bool {
		return len(snk.captured()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "public.users", snk.captured()[0].topic)
}

func TestRegistryAppendBeforeStart(t *testing.T) {
	registryTestSink()

	registry, err := NewRegistry(RegistryConfig{SpoolDir: t.TempDir()})
	require.NoError(t, err)

	assert.Error(t, registry.Append([]Event{testEvent("users", 1)}))

	require.NoError(t, registry.Start())
	defer registry.Stop()
	assert.NoError(t, registry.Append([]Event{testEvent("users", 2)}))
}

func TestRegistryDoubleStart(t *testing.T) {
	registry, err := NewRegistry(RegistryConfig{SpoolDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	defer registry.Stop()

	assert.Error(t, registry.Start())
}
