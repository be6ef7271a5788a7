// Package config handles rubinius.toml machine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is a rubinius.toml machine configuration.
type Config struct {
	Machine Machine `toml:"machine"`
	Memory  Memory  `toml:"memory"`

	// Dir is the directory containing the rubinius.toml file (set at load time).
	Dir string `toml:"-"`
}

// Machine tunes the interpreter.
type Machine struct {
	// LogLevel maps onto commonlog verbosity for the machine loggers.
	LogLevel int `toml:"log-level"`
}

// Memory tunes the collectors.
type Memory struct {
	// NurseryBytes is the young-region budget before a nursery cycle.
	NurseryBytes int64 `toml:"nursery-bytes"`

	// CheckForwards enables forwarding-pointer rewriting of surviving
	// weak references after nursery cycles.
	CheckForwards bool `toml:"check-forwards"`

	// CycleInterval is the background full-collection period.
	CycleInterval duration `toml:"cycle-interval"`
}

// duration wraps time.Duration for TOML decoding.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no rubinius.toml exists.
func Default() *Config {
	return &Config{
		Memory: Memory{
			NurseryBytes:  1 << 20,
			CheckForwards: true,
			CycleInterval: duration{30 * time.Second},
		},
	}
}

// CycleInterval returns the background collection period.
func (c *Config) CycleInterval() time.Duration {
	return c.Memory.CycleInterval.Duration
}

// Load parses a rubinius.toml file from the given directory. A missing
// file yields the defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "rubinius.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c := Default()
		c.Dir = dir
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir = dir
	return c, nil
}
