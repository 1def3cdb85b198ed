package provider

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the explicit per-adapter configuration, constructed once at
// process start and passed into each adapter constructor. Adapters never
// read the environment themselves.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	KeyHeader string        `yaml:"key_header"`
	Timeout   time.Duration `yaml:"timeout"`
}

// File is the on-disk provider configuration, keyed by adapter name.
type File struct {
	Providers map[string]Config `yaml:"providers"`
}

// LoadFile reads and resolves a YAML provider configuration. api_key_env
// names an environment variable to read the key from; a literal api_key
// wins when both are set.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}
	for name, cfg := range f.Providers {
		if cfg.APIKey == "" && cfg.APIKeyEnv != "" {
			cfg.APIKey = os.Getenv(cfg.APIKeyEnv)
			f.Providers[name] = cfg
		}
	}
	return &f, nil
}

// validate rejects configurations that cannot possibly work. A missing API
// key is a startup-time error for that adapter, not something to retry.
func (c Config) validate(name string) error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url is required", name)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		if c.APIKeyEnv != "" {
			return fmt.Errorf("provider %s: api key env %s is empty", name, c.APIKeyEnv)
		}
		return fmt.Errorf("provider %s: api_key is required", name)
	}
	return nil
}
