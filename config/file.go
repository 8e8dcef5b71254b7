package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load creates settings for the specified provider with a YAML file at path
// overlaid between the built-in defaults and the environment. An empty path
// is equivalent to New.
func Load(provider, path string) (Settings, error) {
	s, err := defaults(provider)
	if err != nil {
		return Settings{}, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
