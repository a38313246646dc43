package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt 是未配置时使用的系统指令。
const DefaultSystemPrompt = "You are a friendly, concise assistant. Answer in the language the user writes in."

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	AI      AIConfig      `yaml:"ai"`
	Gateway GatewayConfig `yaml:"gateway"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Client  ClientConfig  `yaml:"client"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string   `yaml:"apiKey"`
	AccessKey    string   `yaml:"accessKey"`
	SecretKey    string   `yaml:"secretKey"`
	Model        string   `yaml:"model"`
	BaseURL      string   `yaml:"baseURL"`
	Region       string   `yaml:"region"`
	Temperature  *float64 `yaml:"temperature"`
	TopP         *float64 `yaml:"topP"`
	MaxTokens    *int     `yaml:"maxTokens"`
	SystemPrompt string   `yaml:"systemPrompt"`
	HistoryLimit int      `yaml:"historyLimit"`
	StreamBuffer int      `yaml:"streamBuffer"`
}

// GatewayConfig 描述双工网关的存活与会话参数。
type GatewayConfig struct {
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SessionTTL    time.Duration `yaml:"sessionTTL"`
}

// RedisConfig enables cross-instance broadcast when Addr is set.
type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	BroadcastChannel string `yaml:"broadcastChannel"`
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type LogConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	Development bool   `yaml:"development"`
}

// ClientConfig 描述客户端连接管理与缓冲参数。
type ClientConfig struct {
	URL                  string        `yaml:"url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay    time.Duration `yaml:"maxReconnectDelay"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	FlushThreshold       int           `yaml:"flushThreshold"`
	FlushInterval        time.Duration `yaml:"flushInterval"`
}

// Default returns the configuration used when neither a file nor the
// environment provides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		AI: AIConfig{
			BaseURL:      "https://ark.cn-beijing.volces.com/api/v3",
			Region:       "cn-beijing",
			SystemPrompt: DefaultSystemPrompt,
			HistoryLimit: 20,
			StreamBuffer: 16,
		},
		Gateway: GatewayConfig{
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
			SessionTTL:    30 * time.Minute,
		},
		Redis: RedisConfig{BroadcastChannel: "chatstream:broadcast"},
		Log:   LogConfig{Level: "info"},
		Client: ClientConfig{
			URL:                  "ws://localhost:8080/api/ws",
			HeartbeatInterval:    25 * time.Second,
			ReconnectDelay:       time.Second,
			MaxReconnectDelay:    10 * time.Second,
			MaxReconnectAttempts: 5,
			FlushThreshold:       64,
			FlushInterval:        50 * time.Millisecond,
		},
	}
}

// Load 从配置文件（可选）与环境变量加载配置，环境变量优先。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CHATSTREAM_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		addr, err := parseAddr(port)
		if err != nil {
			return err
		}
		c.Server.Addr = addr
	}

	overrideString(&c.AI.APIKey, "ARK_API_KEY")
	overrideString(&c.AI.AccessKey, "ARK_ACCESS_KEY")
	overrideString(&c.AI.SecretKey, "ARK_SECRET_KEY")
	overrideString(&c.AI.Model, "Model")
	overrideString(&c.AI.BaseURL, "ARK_BASE_URL")
	overrideString(&c.AI.Region, "ARK_REGION")
	overrideString(&c.AI.SystemPrompt, "AI_SYSTEM_PROMPT")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Redis.Password, "REDIS_PASSWORD")
	overrideString(&c.Redis.BroadcastChannel, "REDIS_BROADCAST_CHANNEL")
	overrideString(&c.Log.Level, "LOG_LEVEL")
	overrideString(&c.Log.File, "LOG_FILE")
	overrideString(&c.Client.URL, "CHATSTREAM_URL")

	steps := []func() error{
		func() error { return overrideOptionalFloat(&c.AI.Temperature, "ARK_TEMPERATURE") },
		func() error { return overrideOptionalFloat(&c.AI.TopP, "ARK_TOP_P") },
		func() error { return overrideOptionalInt(&c.AI.MaxTokens, "ARK_MAX_TOKENS") },
		func() error { return overrideInt(&c.AI.HistoryLimit, "AI_HISTORY_LIMIT") },
		func() error { return overrideInt(&c.AI.StreamBuffer, "AI_STREAM_BUFFER") },
		func() error { return overrideDuration(&c.Gateway.IdleTimeout, "GATEWAY_IDLE_TIMEOUT") },
		func() error { return overrideDuration(&c.Gateway.SweepInterval, "GATEWAY_SWEEP_INTERVAL") },
		func() error { return overrideDuration(&c.Gateway.SessionTTL, "GATEWAY_SESSION_TTL") },
		func() error { return overrideInt(&c.Redis.DB, "REDIS_DB") },
		func() error { return overrideBool(&c.Log.Development, "LOG_DEVELOPMENT") },
		func() error { return overrideDuration(&c.Client.HeartbeatInterval, "CLIENT_HEARTBEAT_INTERVAL") },
		func() error { return overrideDuration(&c.Client.ReconnectDelay, "CLIENT_RECONNECT_DELAY") },
		func() error { return overrideDuration(&c.Client.MaxReconnectDelay, "CLIENT_MAX_RECONNECT_DELAY") },
		func() error { return overrideInt(&c.Client.MaxReconnectAttempts, "CLIENT_MAX_RECONNECT_ATTEMPTS") },
		func() error { return overrideInt(&c.Client.FlushThreshold, "CLIENT_FLUSH_THRESHOLD") },
		func() error { return overrideDuration(&c.Client.FlushInterval, "CLIENT_FLUSH_INTERVAL") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Gateway.IdleTimeout <= 0:
		return fmt.Errorf("gateway idle timeout must be positive")
	case c.Gateway.SweepInterval <= 0:
		return fmt.Errorf("gateway sweep interval must be positive")
	case c.AI.StreamBuffer < 0:
		return fmt.Errorf("ai stream buffer must not be negative")
	case c.Client.MaxReconnectAttempts < 0:
		return fmt.Errorf("client max reconnect attempts must not be negative")
	}
	return nil
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// parseAddr 允许用户直接传入 "8080"、":8080" 或 "127.0.0.1:8080"。
func parseAddr(port string) (string, error) {
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

func lookupEnv(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	return value, value != ""
}

func overrideString(dst *string, key string) {
	if value, ok := lookupEnv(key); ok {
		*dst = value
	}
}

func overrideBool(dst *bool, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	val, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	*dst = val
	return nil
}

func overrideInt(dst *int, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	*dst = val
	return nil
}

func overrideOptionalInt(dst **int, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	*dst = &val
	return nil
}

func overrideOptionalFloat(dst **float64, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	*dst = &val
	return nil
}

func overrideDuration(dst *time.Duration, key string) error {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	val, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	*dst = val
	return nil
}
