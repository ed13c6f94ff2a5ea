// Package config loads speccheck configuration from a workspace-level
// .speccheck.yaml, the XDG config directory, and SPECCHECK_* environment
// variables, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/speccheck/speccheck/internal/types"
)

// Config holds all tunables for the verifier engine.
type Config struct {
	Weights  types.ScoreWeights `mapstructure:"weights"`
	Workers  int                `mapstructure:"workers"`
	Marker   MarkerConfig       `mapstructure:"marker"`
	Timeouts TimeoutsConfig     `mapstructure:"timeouts"`
	History  HistoryConfig      `mapstructure:"history"`
}

// MarkerConfig holds marker scan settings.
type MarkerConfig struct {
	Prefix      string   `mapstructure:"prefix"`
	RipgrepPath string   `mapstructure:"ripgrep_path"`
	IgnoreGlobs []string `mapstructure:"ignore_globs"`
}

// TimeoutsConfig holds subprocess timing bounds.
type TimeoutsConfig struct {
	SubprocessStartup time.Duration `mapstructure:"subprocess_startup"`
	RPCCall           time.Duration `mapstructure:"rpc_call"`
	Probe             time.Duration `mapstructure:"probe"`
}

// HistoryConfig holds run-history store settings.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration for a workspace. A missing config file is fine;
// defaults and environment variables still apply.
func Load(workspace string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(".speccheck")
	v.SetConfigType("yaml")
	if workspace != "" {
		v.AddConfigPath(workspace)
	}
	if xdg, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(xdg, "speccheck"))
	}

	v.SetEnvPrefix("SPECCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("weights.signature", types.DefaultScoreWeights.Signature)
	v.SetDefault("weights.marker", types.DefaultScoreWeights.Marker)
	v.SetDefault("workers", 4)
	v.SetDefault("marker.prefix", "TRACE")
	v.SetDefault("timeouts.subprocess_startup", 3*time.Second)
	v.SetDefault("timeouts.rpc_call", 10*time.Second)
	v.SetDefault("timeouts.probe", 30*time.Second)
	v.SetDefault("history.path", defaultHistoryPath())
}

func defaultHistoryPath() string {
	if xdg, err := os.UserConfigDir(); err == nil {
		return filepath.Join(xdg, "speccheck", "history.db")
	}
	return filepath.Join(".speccheck", "history.db")
}
