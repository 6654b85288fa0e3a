// Package config loads the runtime configuration for the sovereign loop
// daemon from YAML, with defaults matching the loop's built-in policy
// constants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ark95x-sAn/n8n-sovereign/internal/loop"
)

// Config is the full daemon configuration.
type Config struct {
	Loop      LoopConfig      `yaml:"loop"`
	Scaling   ScalingConfig   `yaml:"scaling"`
	Learning  LearningConfig  `yaml:"learning"`
	Generator GeneratorConfig `yaml:"generator"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoopConfig configures the orchestrator.
type LoopConfig struct {
	MaxIterations       int64   `yaml:"max_iterations"` // 0 = unbounded
	Interval            string  `yaml:"interval"`       // Go duration, e.g. "1s"
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	StageDepth          int     `yaml:"stage_depth"`
	Strict              bool    `yaml:"strict"`
	AutoScale           bool    `yaml:"auto_scale"`
	AutoGenerate        bool    `yaml:"auto_generate"`
	LearnOnFailure      bool    `yaml:"learn_on_failure"`
	NodeID              string  `yaml:"node_id"`
}

// ScalingConfig configures the scaling engine.
type ScalingConfig struct {
	MaxScale       float64 `yaml:"max_scale"`
	GrowthFactor   float64 `yaml:"growth_factor"`
	DecayFactor    float64 `yaml:"decay_factor"`
	MinPassStreak  int     `yaml:"min_pass_streak"`
	DecayOnFailure bool    `yaml:"decay_on_failure"`
}

// LearningConfig configures the pattern model.
type LearningConfig struct {
	Capacity  int     `yaml:"capacity"`
	DecayRate float64 `yaml:"decay_rate"`
	StatePath string  `yaml:"state_path"` // optional model persistence file
}

// GeneratorConfig configures the artifact generator.
type GeneratorConfig struct {
	SummaryInterval int `yaml:"summary_interval"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the configuration the daemon runs with when no file is
// given.
func Default() Config {
	return Config{
		Loop: LoopConfig{
			MaxIterations:       0,
			Interval:            "1s",
			ConfidenceThreshold: 0.85,
			StageDepth:          3,
			AutoScale:           true,
			AutoGenerate:        true,
			LearnOnFailure:      true,
		},
		Scaling: ScalingConfig{
			MaxScale:       10,
			GrowthFactor:   1.25,
			DecayFactor:    0.9,
			MinPassStreak:  3,
			DecayOnFailure: true,
		},
		Learning: LearningConfig{
			Capacity:  500,
			DecayRate: 0.99,
		},
		Generator: GeneratorConfig{
			SummaryInterval: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if _, err := time.ParseDuration(c.Loop.Interval); err != nil {
		return fmt.Errorf("loop.interval: %w", err)
	}
	if c.Loop.ConfidenceThreshold < 0 || c.Loop.ConfidenceThreshold > 1 {
		return fmt.Errorf("loop.confidence_threshold: %v is not in [0,1]", c.Loop.ConfidenceThreshold)
	}
	if c.Loop.StageDepth < 1 || c.Loop.StageDepth > 3 {
		return fmt.Errorf("loop.stage_depth: %d is not in [1,3]", c.Loop.StageDepth)
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("loop.max_iterations: must not be negative")
	}
	if c.Scaling.MaxScale < 1 {
		return fmt.Errorf("scaling.max_scale: %v is below 1", c.Scaling.MaxScale)
	}
	if c.Scaling.GrowthFactor <= 1 {
		return fmt.Errorf("scaling.growth_factor: %v must be above 1", c.Scaling.GrowthFactor)
	}
	if c.Scaling.DecayFactor <= 0 || c.Scaling.DecayFactor >= 1 {
		return fmt.Errorf("scaling.decay_factor: %v is not in (0,1)", c.Scaling.DecayFactor)
	}
	if c.Scaling.MinPassStreak < 1 {
		return fmt.Errorf("scaling.min_pass_streak: must be at least 1")
	}
	if c.Learning.Capacity < 1 {
		return fmt.Errorf("learning.capacity: must be at least 1")
	}
	if c.Learning.DecayRate <= 0 || c.Learning.DecayRate > 1 {
		return fmt.Errorf("learning.decay_rate: %v is not in (0,1]", c.Learning.DecayRate)
	}
	if c.Generator.SummaryInterval < 1 {
		return fmt.Errorf("generator.summary_interval: must be at least 1")
	}
	return nil
}

// LoopRunnerConfig converts the YAML layer into the orchestrator's immutable
// configuration.
func (c Config) LoopRunnerConfig() (loop.Config, error) {
	interval, err := time.ParseDuration(c.Loop.Interval)
	if err != nil {
		return loop.Config{}, fmt.Errorf("loop.interval: %w", err)
	}
	return loop.Config{
		MaxIterations:       c.Loop.MaxIterations,
		Interval:            interval,
		ConfidenceThreshold: c.Loop.ConfidenceThreshold,
		StageDepth:          c.Loop.StageDepth,
		Strict:              c.Loop.Strict,
		AutoScale:           c.Loop.AutoScale,
		AutoGenerate:        c.Loop.AutoGenerate,
		LearnOnFailure:      c.Loop.LearnOnFailure,
		NodeID:              c.Loop.NodeID,
	}, nil
}
