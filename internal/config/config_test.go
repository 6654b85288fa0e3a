package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1s", cfg.Loop.Interval)
	assert.Equal(t, 0.85, cfg.Loop.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.Loop.StageDepth)
	assert.True(t, cfg.Loop.AutoScale)
	assert.True(t, cfg.Loop.AutoGenerate)
	assert.True(t, cfg.Loop.LearnOnFailure)
	assert.Equal(t, 10.0, cfg.Scaling.MaxScale)
	assert.Equal(t, 500, cfg.Learning.Capacity)
	assert.Equal(t, 5, cfg.Generator.SummaryInterval)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sovereign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
loop:
  max_iterations: 25
  interval: 250ms
  strict: true
scaling:
  max_scale: 4
learning:
  state_path: /tmp/model.json
logging:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(25), cfg.Loop.MaxIterations)
	assert.Equal(t, "250ms", cfg.Loop.Interval)
	assert.True(t, cfg.Loop.Strict)
	assert.Equal(t, 4.0, cfg.Scaling.MaxScale)
	assert.Equal(t, "/tmp/model.json", cfg.Learning.StatePath)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.85, cfg.Loop.ConfidenceThreshold)
	assert.Equal(t, 500, cfg.Learning.Capacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad interval", func(c *Config) { c.Loop.Interval = "soon" }},
		{"threshold above 1", func(c *Config) { c.Loop.ConfidenceThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Loop.ConfidenceThreshold = -0.1 }},
		{"depth zero", func(c *Config) { c.Loop.StageDepth = 0 }},
		{"depth four", func(c *Config) { c.Loop.StageDepth = 4 }},
		{"negative max iterations", func(c *Config) { c.Loop.MaxIterations = -1 }},
		{"max scale below 1", func(c *Config) { c.Scaling.MaxScale = 0.5 }},
		{"growth factor at 1", func(c *Config) { c.Scaling.GrowthFactor = 1 }},
		{"decay factor at 1", func(c *Config) { c.Scaling.DecayFactor = 1 }},
		{"zero pass streak", func(c *Config) { c.Scaling.MinPassStreak = 0 }},
		{"zero capacity", func(c *Config) { c.Learning.Capacity = 0 }},
		{"decay rate above 1", func(c *Config) { c.Learning.DecayRate = 1.1 }},
		{"zero summary interval", func(c *Config) { c.Generator.SummaryInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoopRunnerConfig(t *testing.T) {
	cfg := Default()
	cfg.Loop.Interval = "750ms"
	cfg.Loop.MaxIterations = 9
	cfg.Loop.NodeID = "sovereign-test-1"

	lc, err := cfg.LoopRunnerConfig()
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, lc.Interval)
	assert.Equal(t, int64(9), lc.MaxIterations)
	assert.Equal(t, "sovereign-test-1", lc.NodeID)
	assert.True(t, lc.AutoScale)

	cfg.Loop.Interval = "nope"
	_, err = cfg.LoopRunnerConfig()
	require.Error(t, err)
}
