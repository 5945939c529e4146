// Package policytest provides policy fixtures for tests.
package policytest

import (
	"testing"

	"github.com/pario-ai/ladder/pkg/policy"
)

// ScenarioJSON is a small four-provider ladder using mock wires.
const ScenarioJSON = `{
  "schema_version": 1,
  "defaults": {
    "global_token_cap": 8000,
    "remote_routing_enabled": true,
    "remote_allowlist": ["conversation", "planning"],
    "overflow_policy": "spill_remote",
    "sticky_window_seconds": 900,
    "timeout_seconds": 5,
    "circuit": {"failure_threshold": 3, "window_seconds": 60, "cooldown_seconds": 30},
    "retry": {"max_retries": 1, "base_backoff_ms": 1, "max_backoff_ms": 2},
    "metrics_gate": {"queue_spill_threshold": 8, "kv_pressure_threshold": 0.9}
  },
  "budgets": {
    "intents": {
      "conversation": {"daily_tokens": 200000, "daily_calls": 500, "max_calls_per_run": 20},
      "coding": {"daily_tokens": 100000, "daily_calls": 100}
    },
    "tiers": {
      "free": {"daily_tokens": 0, "daily_calls": 0},
      "auth": {"daily_tokens": 500000, "daily_calls": 1000},
      "paid": {"daily_tokens": 100000, "daily_calls": 100}
    }
  },
  "providers": {
    "local_low_latency": {
      "tier": "free", "wire": "mock", "local": true, "low_latency": true,
      "tool_support": true,
      "models": [{"id": "qwen2.5-7b-instruct", "input_cap": 4096}]
    },
    "local_bulk": {
      "tier": "free", "wire": "mock", "local": true,
      "models": [{"id": "llama-3.1-8b", "input_cap": 8192}]
    },
    "cloud_planner": {
      "tier": "auth", "wire": "mock", "remote": true,
      "models": [{"id": "planner-large", "input_cap": 32000}]
    },
    "cloud_coder": {
      "tier": "paid", "wire": "mock", "remote": true,
      "models": [{"id": "coder-xl", "input_cap": 64000}]
    }
  },
  "routing": {
    "intents": {
      "conversation": {"order": ["local_low_latency", "cloud_planner"]},
      "planning": {"order": ["cloud_planner", "local_bulk"]},
      "coding": {"order": ["local_bulk", "cloud_coder"], "allow_paid": true},
      "subagent": {"order": ["local_low_latency"], "pairing_gate": true},
      "itc_classify": {"order": ["local_low_latency", "local_bulk"], "cache_ttl_seconds": 300}
    },
    "capability_router": {
      "mechanical_execution": "local_low_latency",
      "planning_synthesis": "cloud_planner",
      "research_investigation": "cloud_planner",
      "code_generation": "local_bulk"
    }
  }
}`

// Scenario parses ScenarioJSON, optionally mutated by fns.
func Scenario(t testing.TB, fns ...func(*policy.Policy)) *policy.Policy {
	t.Helper()
	p, err := policy.Parse([]byte(ScenarioJSON))
	if err != nil {
		t.Fatalf("parse scenario policy: %v", err)
	}
	for _, fn := range fns {
		fn(p)
	}
	return p
}
