package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.TTLSeconds != 14400 {
		t.Errorf("expected session TTL 14400, got %d", cfg.Session.TTLSeconds)
	}
	if cfg.Review.MaxRounds != 3 {
		t.Errorf("expected max rounds 3, got %d", cfg.Review.MaxRounds)
	}
	if cfg.BulkActions.MaxBatchSize != 4 {
		t.Errorf("expected bulk batch size 4, got %d", cfg.BulkActions.MaxBatchSize)
	}
	if cfg.Presence.TTLSeconds != 30 {
		t.Errorf("expected presence TTL 30, got %d", cfg.Presence.TTLSeconds)
	}
	if cfg.Agentic.Council.Consensus != "majority" {
		t.Errorf("expected majority consensus, got %q", cfg.Agentic.Council.Consensus)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }, true},
		{"zero session ttl", func(c *Config) { c.Session.TTLSeconds = 0 }, true},
		{"zero max rounds", func(c *Config) { c.Review.MaxRounds = 0 }, true},
		{"bad consensus", func(c *Config) { c.Agentic.Council.Consensus = "plurality" }, true},
		{"chairman without model", func(c *Config) {
			c.Agentic.Council.Consensus = "chairman"
			c.Agentic.Council.ChairmanModel = ""
		}, true},
		{"chairman with model", func(c *Config) {
			c.Agentic.Council.Consensus = "chairman"
			c.Agentic.Council.ChairmanModel = "gpt-4o"
		}, false},
		{"bad checkpoint", func(c *Config) {
			c.Agentic.Rules = []RuleConfig{{ID: "x", Checkpoints: []string{"midflight"}}}
		}, true},
		{"bad role", func(c *Config) {
			c.Roles.Users = []UserConfig{{Email: "a@b.c", Role: "owner"}}
		}, true},
		{"valid role", func(c *Config) {
			c.Roles.Users = []UserConfig{{Email: "a@b.c", Role: "reviewer", Pods: []string{"pod-1"}}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskgate.yaml")

	content := `
session:
  ttl_seconds: 7200
review:
  max_rounds: 5
agentic:
  council:
    consensus: chairman
    chairman_model: gpt-4o
    models:
      - id: claude-sonnet
        enabled: true
      - id: qwen3
        enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Session.TTLSeconds != 7200 {
		t.Errorf("expected TTL 7200, got %d", cfg.Session.TTLSeconds)
	}
	if cfg.Review.MaxRounds != 5 {
		t.Errorf("expected max rounds 5, got %d", cfg.Review.MaxRounds)
	}
	if cfg.Agentic.Council.ChairmanModel != "gpt-4o" {
		t.Errorf("expected chairman model, got %q", cfg.Agentic.Council.ChairmanModel)
	}
	if len(cfg.Agentic.Council.Models) != 2 {
		t.Fatalf("expected 2 council models, got %d", len(cfg.Agentic.Council.Models))
	}
	if !cfg.Agentic.Council.Models[0].Enabled || cfg.Agentic.Council.Models[1].Enabled {
		t.Error("council model enabled flags not parsed")
	}

	// Untouched sections keep defaults.
	if cfg.Presence.TTLSeconds != 30 {
		t.Errorf("expected default presence TTL, got %d", cfg.Presence.TTLSeconds)
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	other := &Config{}
	other.Review.MaxRounds = 7
	other.Redis.Addr = "redis-prod:6379"

	base.Merge(other)

	if base.Review.MaxRounds != 7 {
		t.Errorf("expected merged max rounds 7, got %d", base.Review.MaxRounds)
	}
	if base.Redis.Addr != "redis-prod:6379" {
		t.Errorf("expected merged addr, got %q", base.Redis.Addr)
	}
	// Zero values in other must not clobber defaults.
	if base.Session.TTLSeconds != 14400 {
		t.Errorf("merge clobbered session TTL: %d", base.Session.TTLSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKGATE_REDIS_ADDR", "envhost:6380")
	t.Setenv("TASKGATE_SESSION_TTL_SECONDS", "60")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Redis.Addr != "envhost:6380" {
		t.Errorf("env addr not applied: %q", cfg.Redis.Addr)
	}
	if cfg.Session.TTLSeconds != 60 {
		t.Errorf("env TTL not applied: %d", cfg.Session.TTLSeconds)
	}
}
