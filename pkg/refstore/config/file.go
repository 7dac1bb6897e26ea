package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// WithFile reads a YAML, TOML or JSON configuration file over the current
// values. Keys absent from the file keep their values.
func WithFile(path string) Option {
	return func(c *ServerConfig) error {
		if path == "" {
			return fmt.Errorf("config file path cannot be empty")
		}
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}
		return nil
	}
}
