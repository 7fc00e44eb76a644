package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesStatedDefaults(t *testing.T) {
	c := Default()

	assert.Equal(t, 30*time.Second, c.Health.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, c.Health.TTL)
	assert.Equal(t, 5*time.Second, c.Health.ScanInterval)
	assert.Equal(t, 5*time.Second, c.Router.RouteDeadline)
	assert.Equal(t, 15*time.Second, c.EventStore.AppendDeadline)
	assert.Equal(t, PerEventType, c.EventStore.TopicStrategy)
	assert.Equal(t, 10, c.Publisher.MaxAttempts)
	assert.Equal(t, 30*time.Second, c.Publisher.BackoffCeiling)
	assert.Equal(t, 3, c.Publisher.PoisonMessageThreshold)
}

func TestLoadWithEmptyPathReturnsDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverlaysYAMLOnDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
nats:
  url: "nats://broker.internal:4222"
health:
  heartbeatInterval: 10s
publisher:
  maxAttempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker.internal:4222", c.NATS.URL)
	assert.Equal(t, 10*time.Second, c.Health.HeartbeatInterval)
	assert.Equal(t, 5, c.Publisher.MaxAttempts)
	// Untouched fields keep their defaults.
	assert.Equal(t, 90*time.Second, c.Health.TTL)
	assert.Equal(t, 30*time.Second, c.Publisher.BackoffCeiling)
}

func TestLoadWithMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveNATSCredsWithNoVariableConfiguredReturnsNil(t *testing.T) {
	data, err := ResolveNATSCreds(context.Background(), Default())
	require.NoError(t, err)
	assert.Nil(t, data)
}
