// Package config loads the daemon configuration and seeds first-run defaults
// into the interlock store.
package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coldloop/magnetd/internal/interlock"
)

// Config is the magnetd configuration file.
type Config struct {
	RedisAddr      string        `yaml:"redis_addr"`
	DBPath         string        `yaml:"db_path"`
	Statefile      string        `yaml:"statefile"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	SampleInterval time.Duration `yaml:"sample_interval"`

	// First-run cycle settings, written to the store only for keys that do
	// not exist yet. Operator edits always win afterwards.
	Defaults Defaults `yaml:"defaults"`
}

// Defaults are the seeded cycle settings.
type Defaults struct {
	SoakCurrent    float64 `yaml:"soak_current"`
	SoakTime       float64 `yaml:"soak_time"`
	RampRate       float64 `yaml:"ramp_rate"`
	DerampRate     float64 `yaml:"deramp_rate"`
	RegulationTemp float64 `yaml:"regulating_temp"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		DBPath:         "magnetd.db",
		Statefile:      "magnet.statefile",
		TickInterval:   time.Second,
		SampleInterval: 10 * time.Second,
		Defaults: Defaults{
			SoakCurrent:    9.44,
			SoakTime:       3600,
			RampRate:       0.005,
			DerampRate:     0.005,
			RegulationTemp: 0.1,
		},
	}
}

// Load reads the config file at path, layered over the built-in defaults.
// A missing file is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.TickInterval <= 0 {
		return cfg, fmt.Errorf("config %s: tick_interval must be positive", path)
	}
	if cfg.SampleInterval <= 0 {
		return cfg, fmt.Errorf("config %s: sample_interval must be positive", path)
	}
	return cfg, nil
}

// Seed writes the default cycle settings for any setting key the store does
// not have yet. Existing values are never overwritten.
func Seed(ctx context.Context, st interlock.Store, d Defaults) error {
	defaults := map[string]string{
		interlock.SoakCurrentKey:    fmt.Sprintf("%g", d.SoakCurrent),
		interlock.SoakTimeKey:       fmt.Sprintf("%g", d.SoakTime),
		interlock.RampRateKey:       fmt.Sprintf("%g", d.RampRate),
		interlock.DerampRateKey:     fmt.Sprintf("%g", d.DerampRate),
		interlock.RegulationTempKey: fmt.Sprintf("%g", d.RegulationTemp),
	}

	missing := map[string]string{}
	for key, val := range defaults {
		_, err := st.Read(ctx, key)
		if errors.Is(err, interlock.ErrNotFound) {
			missing[key] = val
			continue
		}
		if err != nil {
			return fmt.Errorf("probe %s: %w", key, err)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := st.Write(ctx, missing); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	for key, val := range missing {
		log.Printf("config: seeded %s = %s", key, val)
	}
	return nil
}
