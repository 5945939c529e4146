package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pario-ai/ladder/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all process configuration. Routing policy lives in the
// separate JSON policy file referenced by PolicyPath.
type Config struct {
	Listen     string         `yaml:"listen"`
	StateDir   string         `yaml:"state_dir"`
	DBPath     string         `yaml:"db_path"`
	PolicyPath string         `yaml:"policy_path"`
	EventLog   string         `yaml:"event_log"`
	SignalFile string         `yaml:"signal_file"`
	Strict     bool           `yaml:"strict"`
	Retention  time.Duration  `yaml:"retention"`
	Auth       AuthConfig     `yaml:"auth"`
	Cache      CacheConfig    `yaml:"cache"`
	Pairing    PairingConfig  `yaml:"pairing"`
	Contract   ContractConfig `yaml:"contract"`
	Logging    LoggingConfig  `yaml:"logging"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// AuthConfig controls header-token auth on the HTTP surface and the general
// token file shared by OAuth-tokened providers.
type AuthConfig struct {
	Header   string   `yaml:"header"`
	Tokens   []string `yaml:"tokens"`
	AuthFile string   `yaml:"auth_file"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// PairingConfig controls the pairing preflight in front of subagent spawns.
type PairingConfig struct {
	Guard    string        `yaml:"guard"`
	Refresh  string        `yaml:"refresh"`
	Timeout  time.Duration `yaml:"timeout"`
	Cooldown time.Duration `yaml:"cooldown"`
	CorrTTL  time.Duration `yaml:"corr_ttl"`
	MaxCorr  int           `yaml:"max_corr"`
}

// ContractConfig controls the SERVICE/CODE contract manager.
type ContractConfig struct {
	Enabled     bool                  `yaml:"enabled"`
	Tick        time.Duration         `yaml:"tick"`
	StatePath   string                `yaml:"state_path"`
	RingSize    int                   `yaml:"ring_size"`
	Policy      models.ContractPolicy `yaml:"policy"`
	InitialMode models.Mode           `yaml:"initial_mode"`
}

// LoggingConfig controls the diagnostic logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:     ":8090",
		StateDir:   defaultStateDir(),
		DBPath:     "",
		PolicyPath: "policy.json",
		Retention:  30 * 24 * time.Hour,
		Auth: AuthConfig{
			Header: "X-Ladder-Token",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		Pairing: PairingConfig{
			Timeout:  20 * time.Second,
			Cooldown: 5 * time.Minute,
			CorrTTL:  24 * time.Hour,
			MaxCorr:  4096,
		},
		Contract: ContractConfig{
			Enabled:  true,
			Tick:     30 * time.Second,
			RingSize: 4096,
			Policy: models.ContractPolicy{
				WindowMinutes:     10,
				Alpha:             0.3,
				RateHigh:          2.0,
				RateLow:           0.2,
				MinModeMinutes:    15,
				IdleWindowSeconds: 600,
			},
			InitialMode: models.ModeService,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ladder"
	}
	return filepath.Join(home, ".ladder")
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func (c *Config) statePath(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(c.StateDir, name)
}

// TrackerPath is the sqlite database shared by the usage tracker and cache.
func (c *Config) TrackerPath() string { return c.statePath(c.DBPath, "ladder.db") }

// EventLogPath is the JSONL envelope log.
func (c *Config) EventLogPath() string { return c.statePath(c.EventLog, "events.jsonl") }

// SignalPath is the JSONL activity signal stream.
func (c *Config) SignalPath() string { return c.statePath(c.SignalFile, "activity.jsonl") }

// BudgetPath is the budget ledger.
func (c *Config) BudgetPath() string { return c.statePath("", "budget.json") }

// CircuitPath is the persisted circuit state.
func (c *Config) CircuitPath() string { return c.statePath("", "circuits.json") }

// ContractStatePath is the persisted contract state.
func (c *Config) ContractStatePath() string { return c.statePath(c.Contract.StatePath, "contract.json") }
