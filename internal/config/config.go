// Package config loads server configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the process configuration.
type Config struct {
	DataDir          string  `yaml:"data_dir"`
	MinScore         float64 `yaml:"min_score"`
	ConfidenceFloor  float64 `yaml:"confidence_floor"`
	RulesFile        string  `yaml:"rules_file"`
	MaxSearchResults int     `yaml:"max_search_results"`
}

// Default returns the baked-in defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".veil"),
		MinScore:         0.8,
		ConfidenceFloor:  0.3,
		MaxSearchResults: 20,
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".veil", "config.yaml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist, then applies environment overrides. A present but
// unparsable file is an error; silent fallback would mask typos.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.MinScore <= 0 || cfg.MinScore > 1 {
		return Config{}, fmt.Errorf("config: min_score %v out of (0,1]", cfg.MinScore)
	}
	if cfg.ConfidenceFloor < 0 || cfg.ConfidenceFloor > 1 {
		return Config{}, fmt.Errorf("config: confidence_floor %v out of [0,1]", cfg.ConfidenceFloor)
	}
	return cfg, nil
}

// applyEnv overrides file values with VEIL_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VEIL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VEIL_RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if v := os.Getenv("VEIL_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinScore = f
		}
	}
}
