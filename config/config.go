// Package config provides configuration loading and management for taskgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskgate configuration.
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Redis         RedisConfig         `yaml:"redis"`
	Session       SessionConfig       `yaml:"session"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Presence      PresenceConfig      `yaml:"presence"`
	Notifications NotificationsConfig `yaml:"notifications"`
	BulkActions   BulkActionsConfig   `yaml:"bulk_actions"`
	Review        ReviewConfig        `yaml:"review"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	LLM           LLMConfig           `yaml:"llm"`
	Agentic       AgenticConfig       `yaml:"agentic"`
	TaskIdentity  TaskIdentityConfig  `yaml:"task_identity"`
	Roles         RolesConfig         `yaml:"roles"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	// Listen is the address the API server binds to.
	Listen string `yaml:"listen"`
	// CORSOrigins lists allowed browser origins. Empty allows all.
	CORSOrigins []string `yaml:"cors_origins"`
}

// RedisConfig configures the keyed store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// BlockingReadTimeoutSeconds is the socket read timeout for the
	// dedicated blocking-read connection (XREAD BLOCK needs headroom).
	BlockingReadTimeoutSeconds int `yaml:"blocking_read_timeout_seconds"`
}

// SessionConfig configures session lifetime.
type SessionConfig struct {
	// TTLSeconds is the session expiry, refreshed on every write.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the session TTL as a duration.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// IdempotencyConfig configures the idempotency-key cache.
type IdempotencyConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

// TTL returns the idempotency cache TTL as a duration.
func (i IdempotencyConfig) TTL() time.Duration {
	return time.Duration(i.TTLHours) * time.Hour
}

// PresenceConfig configures the per-task viewer heartbeat.
type PresenceConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the presence TTL as a duration.
func (p PresenceConfig) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// NotificationsConfig configures per-user notification lists.
type NotificationsConfig struct {
	// Cap is the maximum retained notifications per user.
	Cap     int `yaml:"cap"`
	TTLDays int `yaml:"ttl_days"`
}

// TTL returns the notification list TTL as a duration.
func (n NotificationsConfig) TTL() time.Duration {
	return time.Duration(n.TTLDays) * 24 * time.Hour
}

// BulkActionsConfig configures batch review operations.
type BulkActionsConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// ReviewConfig configures the review loop.
type ReviewConfig struct {
	// MaxRounds is the number of submit cycles before forced escalation.
	MaxRounds int `yaml:"max_rounds"`
}

// ResilienceConfig configures retry behaviour for transient failures.
type ResilienceConfig struct {
	RetryAttempts         int     `yaml:"retry_attempts"`
	RetryBaseDelaySeconds float64 `yaml:"retry_base_delay"`
	RetryMaxDelaySeconds  float64 `yaml:"retry_max_delay"`
	RetryBackoffFactor    float64 `yaml:"retry_backoff_factor"`
}

// BaseDelay returns the initial retry delay.
func (r ResilienceConfig) BaseDelay() time.Duration {
	return time.Duration(r.RetryBaseDelaySeconds * float64(time.Second))
}

// MaxDelay returns the retry delay cap.
func (r ResilienceConfig) MaxDelay() time.Duration {
	return time.Duration(r.RetryMaxDelaySeconds * float64(time.Second))
}

// LLMConfig configures the model transport.
type LLMConfig struct {
	ConnectTimeoutSeconds    int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds       int `yaml:"read_timeout_seconds"`
	MaxConcurrentPerProvider int `yaml:"max_concurrent_per_provider"`
	// Endpoints maps a model id (as used in council config) to its endpoint.
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
}

// ConnectTimeout returns the dial timeout for model endpoints.
func (l LLMConfig) ConnectTimeout() time.Duration {
	return time.Duration(l.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout returns the whole-request timeout for model endpoints.
func (l LLMConfig) ReadTimeout() time.Duration {
	return time.Duration(l.ReadTimeoutSeconds) * time.Second
}

// EndpointConfig describes where and how to call one model.
type EndpointConfig struct {
	// Provider selects the wire format ("openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`
	// URL is the API base URL. Empty uses the provider default.
	URL string `yaml:"url"`
	// Model is the provider-side model name. Empty uses the map key.
	Model string `yaml:"model"`
}

// AgenticConfig configures the rule engine and council.
type AgenticConfig struct {
	Rules   []RuleConfig  `yaml:"rules"`
	Council CouncilConfig `yaml:"council"`
}

// RuleConfig declares one rule and the checkpoints it applies to.
type RuleConfig struct {
	ID          string         `yaml:"id"`
	Enabled     bool           `yaml:"enabled"`
	Checkpoints []string       `yaml:"checkpoints"`
	Params      map[string]any `yaml:"params"`
}

// CouncilConfig configures the judge models and consensus policy.
type CouncilConfig struct {
	Models []CouncilModel `yaml:"models"`
	// Consensus is one of "majority", "unanimity", "chairman".
	Consensus     string `yaml:"consensus"`
	ChairmanModel string `yaml:"chairman_model"`
	MaxTokens     int    `yaml:"max_tokens"`
	// ReasoningTruncate caps each judge's reasoning in the chairman prompt.
	ReasoningTruncate int `yaml:"reasoning_truncate"`
}

// CouncilModel is one judge in the council.
type CouncilModel struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
}

// TaskIdentityConfig configures how a display id is extracted from
// notebook metadata.
type TaskIdentityConfig struct {
	DisplayIDField string   `yaml:"display_id_field"`
	DisplayIDLabel string   `yaml:"display_id_label"`
	FallbackFields []string `yaml:"fallback_fields"`
}

// RolesConfig holds the config-backed role directory.
type RolesConfig struct {
	Users []UserConfig `yaml:"users"`
}

// UserConfig maps one email to a role and pod memberships.
type UserConfig struct {
	Email string   `yaml:"email"`
	Role  string   `yaml:"role"`
	Pods  []string `yaml:"pods"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Redis: RedisConfig{
			Addr:                       "localhost:6379",
			PoolSize:                   10,
			BlockingReadTimeoutSeconds: 30,
		},
		Session:       SessionConfig{TTLSeconds: 14400},
		Idempotency:   IdempotencyConfig{TTLHours: 24},
		Presence:      PresenceConfig{TTLSeconds: 30},
		Notifications: NotificationsConfig{Cap: 100, TTLDays: 7},
		BulkActions:   BulkActionsConfig{MaxBatchSize: 4},
		Review:        ReviewConfig{MaxRounds: 3},
		Resilience: ResilienceConfig{
			RetryAttempts:         3,
			RetryBaseDelaySeconds: 1,
			RetryMaxDelaySeconds:  30,
			RetryBackoffFactor:    2,
		},
		LLM: LLMConfig{
			ConnectTimeoutSeconds:    5,
			ReadTimeoutSeconds:       120,
			MaxConcurrentPerProvider: 8,
		},
		Agentic: AgenticConfig{
			Rules: []RuleConfig{
				{ID: "model_consistency", Enabled: true, Checkpoints: []string{"preflight", "final"}},
				{ID: "selection_count", Enabled: true, Checkpoints: []string{"preflight", "final"}},
				{ID: "human_llm_grade_alignment", Enabled: true, Checkpoints: []string{"final"}},
				{ID: "human_explanation_justifies_grade", Enabled: true, Checkpoints: []string{"final"}},
				{ID: "metadata_prompt_alignment", Enabled: true, Checkpoints: []string{"preflight", "final"}},
				{ID: "metadata_taxonomy_alignment", Enabled: false, Checkpoints: []string{"final"}},
				{ID: "safety_context_aware", Enabled: true, Checkpoints: []string{"final"}},
				{ID: "qc_cfa_criteria_valid", Enabled: true, Checkpoints: []string{"preflight"}},
				{ID: "diversity", Enabled: false, Checkpoints: []string{"preflight"}},
			},
			Council: CouncilConfig{
				Consensus:         "majority",
				MaxTokens:         1024,
				ReasoningTruncate: 800,
			},
		},
		TaskIdentity: TaskIdentityConfig{
			DisplayIDField: "task_id",
			DisplayIDLabel: "Task",
			FallbackFields: []string{"Task ID", "task-id", "id"},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttl_seconds must be positive")
	}
	if c.Review.MaxRounds <= 0 {
		return fmt.Errorf("review.max_rounds must be positive")
	}
	if c.BulkActions.MaxBatchSize <= 0 {
		return fmt.Errorf("bulk_actions.max_batch_size must be positive")
	}
	switch c.Agentic.Council.Consensus {
	case "majority", "unanimity", "chairman":
	default:
		return fmt.Errorf("agentic.council.consensus must be majority, unanimity, or chairman")
	}
	if c.Agentic.Council.Consensus == "chairman" && c.Agentic.Council.ChairmanModel == "" {
		return fmt.Errorf("agentic.council.chairman_model is required for chairman consensus")
	}
	for _, r := range c.Agentic.Rules {
		if r.ID == "" {
			return fmt.Errorf("agentic.rules entries require an id")
		}
		for _, cp := range r.Checkpoints {
			if cp != "preflight" && cp != "final" {
				return fmt.Errorf("rule %s: unknown checkpoint %q", r.ID, cp)
			}
		}
	}
	for _, u := range c.Roles.Users {
		switch u.Role {
		case "super_admin", "admin", "reviewer", "trainer":
		default:
			return fmt.Errorf("roles.users %s: unknown role %q", u.Email, u.Role)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.HTTP.Listen != "" {
		c.HTTP.Listen = other.HTTP.Listen
	}
	if len(other.HTTP.CORSOrigins) > 0 {
		c.HTTP.CORSOrigins = other.HTTP.CORSOrigins
	}

	if other.Redis.Addr != "" {
		c.Redis.Addr = other.Redis.Addr
	}
	if other.Redis.Password != "" {
		c.Redis.Password = other.Redis.Password
	}
	if other.Redis.DB != 0 {
		c.Redis.DB = other.Redis.DB
	}
	if other.Redis.PoolSize != 0 {
		c.Redis.PoolSize = other.Redis.PoolSize
	}
	if other.Redis.BlockingReadTimeoutSeconds != 0 {
		c.Redis.BlockingReadTimeoutSeconds = other.Redis.BlockingReadTimeoutSeconds
	}

	if other.Session.TTLSeconds != 0 {
		c.Session.TTLSeconds = other.Session.TTLSeconds
	}
	if other.Idempotency.TTLHours != 0 {
		c.Idempotency.TTLHours = other.Idempotency.TTLHours
	}
	if other.Presence.TTLSeconds != 0 {
		c.Presence.TTLSeconds = other.Presence.TTLSeconds
	}
	if other.Notifications.Cap != 0 {
		c.Notifications.Cap = other.Notifications.Cap
	}
	if other.Notifications.TTLDays != 0 {
		c.Notifications.TTLDays = other.Notifications.TTLDays
	}
	if other.BulkActions.MaxBatchSize != 0 {
		c.BulkActions.MaxBatchSize = other.BulkActions.MaxBatchSize
	}
	if other.Review.MaxRounds != 0 {
		c.Review.MaxRounds = other.Review.MaxRounds
	}

	if other.Resilience.RetryAttempts != 0 {
		c.Resilience.RetryAttempts = other.Resilience.RetryAttempts
	}
	if other.Resilience.RetryBaseDelaySeconds != 0 {
		c.Resilience.RetryBaseDelaySeconds = other.Resilience.RetryBaseDelaySeconds
	}
	if other.Resilience.RetryMaxDelaySeconds != 0 {
		c.Resilience.RetryMaxDelaySeconds = other.Resilience.RetryMaxDelaySeconds
	}
	if other.Resilience.RetryBackoffFactor != 0 {
		c.Resilience.RetryBackoffFactor = other.Resilience.RetryBackoffFactor
	}

	if other.LLM.ConnectTimeoutSeconds != 0 {
		c.LLM.ConnectTimeoutSeconds = other.LLM.ConnectTimeoutSeconds
	}
	if other.LLM.ReadTimeoutSeconds != 0 {
		c.LLM.ReadTimeoutSeconds = other.LLM.ReadTimeoutSeconds
	}
	if other.LLM.MaxConcurrentPerProvider != 0 {
		c.LLM.MaxConcurrentPerProvider = other.LLM.MaxConcurrentPerProvider
	}
	if len(other.LLM.Endpoints) > 0 {
		c.LLM.Endpoints = other.LLM.Endpoints
	}

	if len(other.Agentic.Rules) > 0 {
		c.Agentic.Rules = other.Agentic.Rules
	}
	if len(other.Agentic.Council.Models) > 0 {
		c.Agentic.Council.Models = other.Agentic.Council.Models
	}
	if other.Agentic.Council.Consensus != "" {
		c.Agentic.Council.Consensus = other.Agentic.Council.Consensus
	}
	if other.Agentic.Council.ChairmanModel != "" {
		c.Agentic.Council.ChairmanModel = other.Agentic.Council.ChairmanModel
	}
	if other.Agentic.Council.MaxTokens != 0 {
		c.Agentic.Council.MaxTokens = other.Agentic.Council.MaxTokens
	}
	if other.Agentic.Council.ReasoningTruncate != 0 {
		c.Agentic.Council.ReasoningTruncate = other.Agentic.Council.ReasoningTruncate
	}

	if other.TaskIdentity.DisplayIDField != "" {
		c.TaskIdentity.DisplayIDField = other.TaskIdentity.DisplayIDField
	}
	if other.TaskIdentity.DisplayIDLabel != "" {
		c.TaskIdentity.DisplayIDLabel = other.TaskIdentity.DisplayIDLabel
	}
	if len(other.TaskIdentity.FallbackFields) > 0 {
		c.TaskIdentity.FallbackFields = other.TaskIdentity.FallbackFields
	}

	if len(other.Roles.Users) > 0 {
		c.Roles.Users = other.Roles.Users
	}
}
