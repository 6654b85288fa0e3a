package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// modelState is the on-disk form of the pattern model.
type modelState struct {
	Ingests  int64     `json:"ingests"`
	Patterns []Pattern `json:"patterns"`
}

// SaveState writes the model to path as JSON, creating parent directories as
// needed.
func (c *Core) SaveState(path string) error {
	c.mu.Lock()
	state := modelState{Ingests: c.ingests}
	for _, p := range c.patterns {
		cp := *p
		cp.Features = append([]string(nil), p.Features...)
		state.Patterns = append(state.Patterns, cp)
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write model state: %w", err)
	}
	return nil
}

// LoadState replaces the model's contents with a previously saved state.
func (c *Core) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model state: %w", err)
	}

	var state modelState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse model state: %w", err)
	}

	patterns := make(map[string]*Pattern, len(state.Patterns))
	for i := range state.Patterns {
		p := state.Patterns[i]
		patterns[p.ID] = &p
	}

	c.mu.Lock()
	c.ingests = state.Ingests
	c.patterns = patterns
	c.mu.Unlock()
	return nil
}
