package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/ladder/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8090" {
		t.Errorf("expected :8090, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Contract.InitialMode != models.ModeService {
		t.Errorf("expected SERVICE initial mode, got %s", cfg.Contract.InitialMode)
	}
	if cfg.Auth.Header != "X-Ladder-Token" {
		t.Errorf("unexpected auth header %q", cfg.Auth.Header)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_LADDER_TOKEN", "tok-123")

	content := `
listen: ":9090"
state_dir: /var/lib/ladder
policy_path: /etc/ladder/policy.json
strict: true
auth:
  tokens: ["${TEST_LADDER_TOKEN}"]
cache:
  enabled: true
  ttl: 30m
pairing:
  guard: /usr/local/bin/pair-guard
  cooldown: 2m
contract:
  tick: 15s
  policy:
    window_minutes: 5
    alpha: 0.5
    rate_high: 3
    rate_low: 0.1
    min_mode_minutes: 10
    idle_window_seconds: 120
logging:
  level: debug
  format: console
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0] != "tok-123" {
		t.Errorf("env var not expanded: got %v", cfg.Auth.Tokens)
	}
	if cfg.Auth.Header != "X-Ladder-Token" {
		t.Errorf("default header lost: %q", cfg.Auth.Header)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if !cfg.Strict {
		t.Error("expected strict mode")
	}
	if cfg.Pairing.Cooldown != 2*time.Minute {
		t.Errorf("expected 2m cooldown, got %v", cfg.Pairing.Cooldown)
	}
	if cfg.Pairing.Timeout != 20*time.Second {
		t.Errorf("expected default pairing timeout, got %v", cfg.Pairing.Timeout)
	}
	if cfg.Contract.Policy.Alpha != 0.5 {
		t.Errorf("expected alpha 0.5, got %v", cfg.Contract.Policy.Alpha)
	}
	if cfg.Contract.Tick != 15*time.Second {
		t.Errorf("expected 15s tick, got %v", cfg.Contract.Tick)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("expected console format, got %s", cfg.Logging.Format)
	}
}

func TestStatePaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/srv/ladder"
	cfg.EventLog = "/var/log/ladder/events.jsonl"

	if got := cfg.EventLogPath(); got != "/var/log/ladder/events.jsonl" {
		t.Errorf("explicit event log ignored: %s", got)
	}
	if got := cfg.BudgetPath(); got != filepath.Join("/srv/ladder", "budget.json") {
		t.Errorf("unexpected budget path %s", got)
	}
	if got := cfg.CircuitPath(); got != filepath.Join("/srv/ladder", "circuits.json") {
		t.Errorf("unexpected circuit path %s", got)
	}
	if got := cfg.TrackerPath(); got != filepath.Join("/srv/ladder", "ladder.db") {
		t.Errorf("unexpected tracker path %s", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
