package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultUsers        = 1
	DefaultSpawnRate    = 1.0
	DefaultGracefulStop = 30 * time.Second
	DefaultTimeout      = 30 * time.Second
	DefaultNamespace    = "horde"
)

// LoadConfig reads, defaults and validates a test file.
func LoadConfig(path string) (*TestConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig parses a test file without defaulting or validating it, so
// callers can apply overrides first. Files ending in .json are parsed as
// JSON, everything else as YAML.
func ReadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg *TestConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		cfg, err = ParseJSON(data)
	} else {
		cfg, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// ParseYAML decodes a YAML test file. Unknown fields are rejected.
func ParseYAML(data []byte) (*TestConfig, error) {
	var cfg TestConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseJSON decodes a JSON test file. Unknown fields are rejected.
func ParseJSON(data []byte) (*TestConfig, error) {
	var cfg TestConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *TestConfig) ApplyDefaults() {
	if c.Users == 0 && len(c.Stages) == 0 {
		c.Users = DefaultUsers
	}
	if c.SpawnRate == 0 {
		c.SpawnRate = DefaultSpawnRate
	}
	if c.GracefulStop == 0 {
		c.GracefulStop = Duration(DefaultGracefulStop)
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = Duration(DefaultTimeout)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultNamespace
	}

	for i := range c.UserClasses {
		uc := &c.UserClasses[i]
		if uc.Weight == 0 {
			uc.Weight = 1
		}
		if uc.MaxWait < uc.MinWait && uc.MaxWait == 0 {
			uc.MaxWait = uc.MinWait
		}
		for j := range uc.Tasks {
			if uc.Tasks[j].Weight == 0 {
				uc.Tasks[j].Weight = 1
			}
		}
	}
}
