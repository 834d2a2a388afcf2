package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type ServerConfig struct {
	Host string `json:"host" env:"WECOMGW_SERVER_HOST"`
	Port int    `json:"port" env:"WECOMGW_SERVER_PORT"`
}

// WeComConfig holds the callback credentials issued by the WeCom admin
// console for an intelligent robot.
type WeComConfig struct {
	Token          string `json:"token" env:"WECOMGW_WECOM_TOKEN"`
	EncodingAESKey string `json:"encoding_aes_key" env:"WECOMGW_WECOM_ENCODING_AES_KEY"`
	// ReceiveID is empty for bot-type receivers; corp apps use the corp id.
	ReceiveID string `json:"receive_id" env:"WECOMGW_WECOM_RECEIVE_ID"`
	// ImageProxy rewrites COS image URLs to an internal proxy host when set.
	ImageProxy       string `json:"image_proxy" env:"WECOMGW_WECOM_IMAGE_PROXY"`
	DefaultBotName   string `json:"default_bot_name" env:"WECOMGW_WECOM_DEFAULT_BOT_NAME"`
	WelcomeIconURL   string `json:"welcome_icon_url" env:"WECOMGW_WECOM_WELCOME_ICON_URL"`
	DisableWelcome   bool   `json:"disable_welcome" env:"WECOMGW_WECOM_DISABLE_WELCOME"`
	MaxImageSizeMB   int    `json:"max_image_size_mb" env:"WECOMGW_WECOM_MAX_IMAGE_SIZE_MB"`
	ImageFetchSecond int    `json:"image_fetch_timeout_seconds" env:"WECOMGW_WECOM_IMAGE_FETCH_TIMEOUT"`
}

type DifyConfig struct {
	BaseURL        string `json:"base_url" env:"WECOMGW_DIFY_BASE_URL"`
	APIKey         string `json:"api_key" env:"WECOMGW_DIFY_API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"WECOMGW_DIFY_TIMEOUT_SECONDS"`
}

type AgentsConfig struct {
	DBPath string `json:"db_path" env:"WECOMGW_AGENTS_DB_PATH"`
	// AIBotMapping maps a WeCom aibotid to an agent id in the directory.
	AIBotMapping map[string]string `json:"aibot_mapping" envKeyValSeparator:":" env:"WECOMGW_AGENTS_AIBOT_MAPPING"`
}

type CacheConfig struct {
	TurnTTLMinutes       int `json:"turn_ttl_minutes" env:"WECOMGW_CACHE_TURN_TTL_MINUTES"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes" env:"WECOMGW_CACHE_SWEEP_INTERVAL_MINUTES"`
	DedupCapacity        int `json:"dedup_capacity" env:"WECOMGW_CACHE_DEDUP_CAPACITY"`
}

type RateLimitsConfig struct {
	// CallbacksPerMinute caps inbound callback handling per bot id. 0 disables.
	CallbacksPerMinute int `json:"callbacks_per_minute" env:"WECOMGW_RATE_LIMITS_CALLBACKS_PER_MINUTE"`
	Burst              int `json:"burst" env:"WECOMGW_RATE_LIMITS_BURST"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"WECOMGW_LOG_LEVEL"`
	File  string `json:"file" env:"WECOMGW_LOG_FILE"`
}

type Config struct {
	Server     ServerConfig     `json:"server"`
	WeCom      WeComConfig      `json:"wecom"`
	Dify       DifyConfig       `json:"dify"`
	Agents     AgentsConfig     `json:"agents"`
	Cache      CacheConfig      `json:"cache"`
	RateLimits RateLimitsConfig `json:"rate_limits"`
	Logging    LoggingConfig    `json:"logging"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		WeCom: WeComConfig{
			DefaultBotName:   "AI助手",
			MaxImageSizeMB:   20,
			ImageFetchSecond: 15,
		},
		Dify: DifyConfig{
			BaseURL:        "http://localhost/v1",
			TimeoutSeconds: 300,
		},
		Agents: AgentsConfig{
			DBPath:       "~/.wecomgw/agents.db",
			AIBotMapping: map[string]string{},
		},
		Cache: CacheConfig{
			TurnTTLMinutes:       60,
			SweepIntervalMinutes: 5,
			DedupCapacity:        10000,
		},
		RateLimits: RateLimitsConfig{
			CallbacksPerMinute: 0, // unlimited by default
			Burst:              30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the JSON config at path (missing file is not an error)
// and applies WECOMGW_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the invariants the crypto layer depends on.
func (c *Config) Validate() error {
	if c.WeCom.EncodingAESKey != "" && len(c.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("wecom.encoding_aes_key must be 43 characters, got %d", len(c.WeCom.EncodingAESKey))
	}
	if c.Cache.DedupCapacity < 0 {
		return fmt.Errorf("cache.dedup_capacity must not be negative")
	}
	return nil
}

// AgentsDBPath expands a leading ~ in the configured sqlite path.
func (c *Config) AgentsDBPath() string {
	return expandHome(c.Agents.DBPath)
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
