package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/danielpatrickdp/pipeline-governor/internal/gate"
	"github.com/danielpatrickdp/pipeline-governor/internal/regression"
)

// #region config

// Config is the on-disk configuration for the governance engine.
// Every field has a working default so a missing file is not an error.
type Config struct {
	DBPath     string            `yaml:"db_path"`
	Gate       gate.Thresholds   `yaml:"gate"`
	Regression regression.Config `yaml:"regression"`
}

// Default returns the built-in configuration.
// GOVERNOR_DB overrides the database path when set.
func Default() Config {
	return Config{
		DBPath:     envOr("GOVERNOR_DB", "governor.db"),
		Gate:       gate.DefaultThresholds(),
		Regression: regression.DefaultConfig(),
	}
}

// #endregion config

// #region load

// Load reads a yaml config file and fills unset fields from the defaults.
// An empty path returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = envOr("GOVERNOR_DB", "governor.db")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Gate.MaxLatencyIncreaseMs < 0 {
		return fmt.Errorf("gate.max_latency_increase_ms must not be negative")
	}
	if c.Gate.MaxCostIncreasePercent < 0 {
		return fmt.Errorf("gate.max_cost_increase_percent must not be negative")
	}
	if c.Regression.PrecisionWarnDrop < 0 || c.Regression.PrecisionCriticalDrop < c.Regression.PrecisionWarnDrop {
		return fmt.Errorf("regression precision drops must be >= 0 and ordered")
	}
	if c.Regression.RecallWarnDrop < 0 || c.Regression.RecallCriticalDrop < c.Regression.RecallWarnDrop {
		return fmt.Errorf("regression recall drops must be >= 0 and ordered")
	}
	if c.Regression.LatencyWarnRatio < 1 || c.Regression.LatencyCriticalRatio < c.Regression.LatencyWarnRatio {
		return fmt.Errorf("regression latency ratios must be >= 1 and ordered")
	}
	if c.Regression.CostWarnRatio < 1 || c.Regression.CostCriticalRatio < c.Regression.CostWarnRatio {
		return fmt.Errorf("regression cost ratios must be >= 1 and ordered")
	}
	return nil
}

// #endregion load

// #region env

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion env
