package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Assistant    AssistantConfig    `json:"assistant"`
	Channels     ChannelsConfig     `json:"channels"`
	Providers    ProvidersConfig    `json:"providers"`
	Gateway      GatewayConfig      `json:"gateway"`
	Router       RouterConfig       `json:"router"`
	Relationship RelationshipConfig `json:"relationship"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	mu           sync.RWMutex
}

type AssistantConfig struct {
	Workspace string `json:"workspace" env:"COMPANION_ASSISTANT_WORKSPACE"`
	Model     string `json:"model" env:"COMPANION_ASSISTANT_MODEL"`
	MaxTokens int    `json:"max_tokens" env:"COMPANION_ASSISTANT_MAX_TOKENS"`
	LogLevel  string `json:"log_level" env:"COMPANION_ASSISTANT_LOG_LEVEL"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"COMPANION_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"COMPANION_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"COMPANION_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"COMPANION_PROVIDERS_OPENROUTER_API_BASE"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"COMPANION_GATEWAY_HOST"`
	Port int    `json:"port" env:"COMPANION_GATEWAY_PORT"`
}

// RouterConfig holds dispatch policy. Deadlines are seconds.
type RouterConfig struct {
	RecentEntries       int    `json:"recent_entries" env:"COMPANION_ROUTER_RECENT_ENTRIES"`
	Workers             int    `json:"workers" env:"COMPANION_ROUTER_WORKERS"`
	DefaultCapability   string `json:"default_capability" env:"COMPANION_ROUTER_DEFAULT_CAPABILITY"`
	ChatDeadlineSeconds int    `json:"chat_deadline_seconds" env:"COMPANION_ROUTER_CHAT_DEADLINE_SECONDS"`
	CodeDeadlineSeconds int    `json:"code_deadline_seconds" env:"COMPANION_ROUTER_CODE_DEADLINE_SECONDS"`
	PostDeadlineSeconds int    `json:"post_deadline_seconds" env:"COMPANION_ROUTER_POST_DEADLINE_SECONDS"`
	CodingMinimumType   string `json:"coding_minimum_type" env:"COMPANION_ROUTER_CODING_MINIMUM_TYPE"`
	CodingBinary        string `json:"coding_binary" env:"COMPANION_ROUTER_CODING_BINARY"`
}

// RelationshipConfig exposes the scoring policy. Deltas and thresholds are
// policy, not structure, so they live here rather than in code.
type RelationshipConfig struct {
	DeltaSuccess     int `json:"delta_success" env:"COMPANION_RELATIONSHIP_DELTA_SUCCESS"`
	DeltaFailure     int `json:"delta_failure" env:"COMPANION_RELATIONSHIP_DELTA_FAILURE"`
	DeltaTimeout     int `json:"delta_timeout" env:"COMPANION_RELATIONSHIP_DELTA_TIMEOUT"`
	DeltaUnavailable int `json:"delta_unavailable" env:"COMPANION_RELATIONSHIP_DELTA_UNAVAILABLE"`
	FriendThreshold  int `json:"friend_threshold" env:"COMPANION_RELATIONSHIP_FRIEND_THRESHOLD"`
	TrustedThreshold int `json:"trusted_threshold" env:"COMPANION_RELATIONSHIP_TRUSTED_THRESHOLD"`
	DecayPerDay      int `json:"decay_per_day" env:"COMPANION_RELATIONSHIP_DECAY_PER_DAY"`
}

type SchedulerConfig struct {
	OutboxCron string `json:"outbox_cron" env:"COMPANION_SCHEDULER_OUTBOX_CRON"`
	DecayCron  string `json:"decay_cron" env:"COMPANION_SCHEDULER_DECAY_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Workspace: "~/.companion/workspace",
			Model:     "openai/gpt-5.2",
			MaxTokens: 4096,
			LogLevel:  "info",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18791,
		},
		Router: RouterConfig{
			RecentEntries:       20,
			Workers:             8,
			DefaultCapability:   "chat",
			ChatDeadlineSeconds: 60,
			CodeDeadlineSeconds: 300,
			PostDeadlineSeconds: 15,
			CodingMinimumType:   "trusted",
			CodingBinary:        "goose",
		},
		Relationship: RelationshipConfig{
			DeltaSuccess:     2,
			DeltaFailure:     -1,
			DeltaTimeout:     -1,
			DeltaUnavailable: 0,
			FriendThreshold:  30,
			TrustedThreshold: 70,
			DecayPerDay:      0,
		},
		Scheduler: SchedulerConfig{
			OutboxCron: "* * * * *",
			DecayCron:  "0 4 * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Assistant.Workspace)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.OpenRouter.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIBase != "" {
		return c.Providers.OpenRouter.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
