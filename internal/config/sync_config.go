package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// mergeFile overlays values from a YAML file onto c. Keys missing from the
// file keep their current value.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sync config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse sync config %s: %w", path, err)
	}
	return nil
}

// YAML renders the effective configuration. The registration secret is never included.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
