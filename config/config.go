// Package config loads the service configuration and the persona
// definition from YAML, with environment overrides for deploy-time
// secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chattyhq/chatty/cache"
	"github.com/chattyhq/chatty/chat"
	"github.com/chattyhq/chatty/embedding"
	"github.com/chattyhq/chatty/llm/openai"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RatePerSecond and RateBurst bound requests per client IP;
	// GlobalRatePerSecond caps the endpoint across all clients.
	RatePerSecond       float64       `yaml:"rate_per_second"`
	RateBurst           int           `yaml:"rate_burst"`
	GlobalRatePerSecond float64       `yaml:"global_rate_per_second"`
	GlobalBurst         int           `yaml:"global_burst"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout bounds one chat turn end to end; zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig holds the shared Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HistoryConfig controls the conversation log.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// MaxTurns bounds how much history is replayed into the prompt.
	MaxTurns int `yaml:"max_turns"`
	// TokenBudget bounds the replayed history's token estimate.
	TokenBudget int `yaml:"token_budget"`
	// Encoding is the tiktoken encoding used for the estimate.
	Encoding string `yaml:"encoding"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// EmbeddingConfig wraps the embedder client settings plus the Redis
// read-through cache TTL.
type EmbeddingConfig struct {
	embedding.Config `yaml:",inline"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	LLM         openai.Config   `yaml:"llm"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Redis       RedisConfig     `yaml:"redis"`
	Cache       cache.Config    `yaml:"cache"`
	Loop        chat.LoopConfig `yaml:"loop"`
	History     HistoryConfig   `yaml:"history"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Log         LogConfig       `yaml:"log"`
	PersonaPath string          `yaml:"persona_path"`
}

// Default returns the baseline configuration a deployment overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RatePerSecond:   5,
			RateBurst:       10,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  5 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Embedding: EmbeddingConfig{
			CacheTTL: 7 * 24 * time.Hour,
		},
		Cache: cache.DefaultConfig(),
		Loop:  chat.LoopConfig{MaxRounds: 8, SplitThinkTags: true},
		History: HistoryConfig{
			Enabled:     true,
			Path:        "chatty.db",
			MaxTurns:    10,
			TokenBudget: 6000,
			Encoding:    "cl100k_base",
		},
		Log:         LogConfig{Level: "info"},
		PersonaPath: "persona.yaml",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "CHATTY_ADDR")
	setString(&c.LLM.BaseURL, "CHATTY_LLM_BASE_URL")
	setString(&c.LLM.APIKey, "CHATTY_LLM_API_KEY")
	setString(&c.LLM.Model, "CHATTY_LLM_MODEL")
	setString(&c.Embedding.BaseURL, "CHATTY_EMBEDDING_BASE_URL")
	setString(&c.Embedding.APIKey, "CHATTY_EMBEDDING_API_KEY")
	setString(&c.Redis.Addr, "CHATTY_REDIS_ADDR")
	setString(&c.Redis.Password, "CHATTY_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "CHATTY_REDIS_DB")
	setString(&c.PersonaPath, "CHATTY_PERSONA")
	setString(&c.Log.Level, "CHATTY_LOG_LEVEL")
	setString(&c.Telemetry.OTLPEndpoint, "CHATTY_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
