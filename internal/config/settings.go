package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings are optional operational knobs, read from a YAML file next to
// the deployment rather than from the problem configuration, which is owned
// by the benchmark format.
type Settings struct {
	// PlanTimeLimit is the per-step planner budget in seconds.
	PlanTimeLimit float64 `yaml:"planTimeLimit"`
	// CheckpointPath is where the report snapshot is written after each
	// plan cycle.
	CheckpointPath string `yaml:"checkpointPath"`
	// ArchivePath is the sqlite file finished sessions are archived to.
	// Empty disables archiving.
	ArchivePath string `yaml:"archivePath"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	return Settings{
		PlanTimeLimit:  5.0,
		CheckpointPath: "test.json",
	}
}

// LoadSettings reads a settings YAML file, filling unset fields with
// defaults. A missing file is not an error; defaults apply.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.PlanTimeLimit <= 0 {
		s.PlanTimeLimit = 5.0
	}
	if s.CheckpointPath == "" {
		s.CheckpointPath = "test.json"
	}
	return s, nil
}
