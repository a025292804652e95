// Optional YAML configuration: flags win, the file fills the rest.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "dirdb.yml"

// Config mirrors the command line flags.
type Config struct {
	Root     string `yaml:"root,omitempty"`
	Database string `yaml:"database,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
	Compress bool   `yaml:"compress,omitempty"`
	History  bool   `yaml:"history,omitempty"`
}

// loadConfig reads path, or dirdb.yml in the working directory when path is
// empty. A missing implicit file is not an error.
func loadConfig(path string) (*Config, error) {
	implicit := path == ""
	if implicit {
		path = defaultConfigFile
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: user-specified config path
	if err != nil {
		if implicit && os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}
