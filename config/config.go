package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hivematrix/native/matrix"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for matrixd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabasePath  string        `yaml:"database"`
	RootMember    string        `yaml:"root_member"`
	SweepInterval Duration      `yaml:"sweep_interval"`
	Log           LogConfig     `yaml:"log"`
	Rewards       RewardsConfig `yaml:"rewards"`
}

// LogConfig controls optional rotated file output.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// RewardsConfig overrides the engine's reward policy constants. Zero values
// fall back to the compiled defaults.
type RewardsConfig struct {
	PendingWindow      Duration `yaml:"pending_window"`
	RelaxedLevel1Count *int     `yaml:"relaxed_level1_count"`
	EscalatedLevel     int      `yaml:"escalated_level"`
	Level1RewardCents  int64    `yaml:"level1_reward_cents"`
	// LevelPriceCents optionally replaces the whole price table; it must
	// list one price per level when present.
	LevelPriceCents []int64 `yaml:"level_price_cents"`
}

// Load reads and validates the configuration file.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8420"
	}
	if cfg.SweepInterval.Duration <= 0 {
		cfg.SweepInterval.Duration = 10 * time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks fields the service cannot start without.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path required")
	}
	if c.RootMember == "" {
		return fmt.Errorf("root member required")
	}
	if n := len(c.Rewards.LevelPriceCents); n != 0 && n != matrix.MaxDepth {
		return fmt.Errorf("level_price_cents must list %d prices, got %d", matrix.MaxDepth, n)
	}
	return nil
}

// EngineParams folds the configured overrides into the default policy.
func (c Config) EngineParams() matrix.Params {
	params := matrix.DefaultParams()
	if c.Rewards.PendingWindow.Duration > 0 {
		params.PendingWindow = c.Rewards.PendingWindow.Duration
	}
	if c.Rewards.RelaxedLevel1Count != nil {
		params.RelaxedLevel1Count = *c.Rewards.RelaxedLevel1Count
	}
	if c.Rewards.EscalatedLevel > 0 {
		params.EscalatedLevel = c.Rewards.EscalatedLevel
	}
	if c.Rewards.Level1RewardCents > 0 {
		params.Level1RewardCents = c.Rewards.Level1RewardCents
	}
	for i, price := range c.Rewards.LevelPriceCents {
		params.PriceCents[i+1] = price
	}
	return params
}
