// Package config loads and validates the kernel configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks fatal configuration errors detected at boot.
var ErrConfig = errors.New("config error")

// Config is the root configuration for the kernel.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Conversation ConversationConfig `yaml:"conversation"`
	Retry        RetryConfig        `yaml:"retry"`
	Turn         TurnConfig         `yaml:"turn"`
	Tools        ToolsConfig        `yaml:"tools"`
	MCP          MCPConfig          `yaml:"mcp"`
	Domain       DomainConfig       `yaml:"domain"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type LLMConfig struct {
	Endpoint string `yaml:"llm_endpoint"`
	Model    string `yaml:"llm_model"`
	APIKey   string `yaml:"llm_api_key"`
}

type ConversationConfig struct {
	MaxContextSize       int `yaml:"max_context_size"`
	MaxHistoryLength     int `yaml:"max_history_length"`
	CompressionThreshold int `yaml:"compression_threshold"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	RetryJitter    bool          `yaml:"retry_jitter"`
}

type TurnConfig struct {
	MaxTurnIterations int `yaml:"max_turn_iterations"`
}

type ToolsConfig struct {
	PerToolConcurrency    int           `yaml:"per_tool_concurrency"`
	GlobalToolConcurrency int           `yaml:"global_tool_concurrency"`
	DefaultToolTimeout    time.Duration `yaml:"default_tool_timeout"`
	ToolCallFanout        int           `yaml:"tool_call_fanout"`
	ApprovalMode          string        `yaml:"approval_mode"`
}

type MCPConfig struct {
	ListenAddress string `yaml:"mcp_listen_address"`
	AuthToken     string `yaml:"mcp_auth_token"`
}

type DomainConfig struct {
	Directory string `yaml:"domain_directory"`
}

type RuntimeConfig struct {
	DataDirectory string `yaml:"runtime_data_directory"`
}

type LoggingConfig struct {
	Level  string `yaml:"log_level"`
	Format string `yaml:"log_format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, expands, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", ErrConfig, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. Environment references ($VAR, ${VAR})
// are expanded before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfig, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Endpoint == "" {
		cfg.LLM.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.Conversation.MaxContextSize == 0 {
		cfg.Conversation.MaxContextSize = 200000
	}
	if cfg.Conversation.MaxHistoryLength == 0 {
		cfg.Conversation.MaxHistoryLength = 100
	}
	if cfg.Conversation.CompressionThreshold == 0 {
		cfg.Conversation.CompressionThreshold = 60
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseRetryDelay == 0 {
		cfg.Retry.BaseRetryDelay = 500 * time.Millisecond
	}
	if cfg.Turn.MaxTurnIterations == 0 {
		cfg.Turn.MaxTurnIterations = 8
	}
	if cfg.Tools.PerToolConcurrency == 0 {
		cfg.Tools.PerToolConcurrency = 2
	}
	if cfg.Tools.GlobalToolConcurrency == 0 {
		cfg.Tools.GlobalToolConcurrency = 8
	}
	if cfg.Tools.DefaultToolTimeout == 0 {
		cfg.Tools.DefaultToolTimeout = 30 * time.Second
	}
	if cfg.Tools.ToolCallFanout == 0 {
		cfg.Tools.ToolCallFanout = 4
	}
	if cfg.Tools.ApprovalMode == "" {
		cfg.Tools.ApprovalMode = "default"
	}
	if cfg.MCP.ListenAddress == "" {
		cfg.MCP.ListenAddress = "127.0.0.1:8714"
	}
	if cfg.Runtime.DataDirectory == "" {
		cfg.Runtime.DataDirectory = defaultDataDir()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return home + "/.loom"
}

// Validate enforces cross-field constraints. Any violation is fatal at boot.
func (c *Config) Validate() error {
	if c.Conversation.CompressionThreshold >= c.Conversation.MaxHistoryLength {
		return fmt.Errorf("%w: compression_threshold (%d) must be < max_history_length (%d)",
			ErrConfig, c.Conversation.CompressionThreshold, c.Conversation.MaxHistoryLength)
	}
	if c.Conversation.MaxContextSize <= 0 {
		return fmt.Errorf("%w: max_context_size must be positive", ErrConfig)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrConfig)
	}
	if c.Turn.MaxTurnIterations < 1 {
		return fmt.Errorf("%w: max_turn_iterations must be at least 1", ErrConfig)
	}
	if c.Tools.PerToolConcurrency < 1 || c.Tools.GlobalToolConcurrency < 1 {
		return fmt.Errorf("%w: tool concurrency caps must be at least 1", ErrConfig)
	}
	if c.Tools.PerToolConcurrency > c.Tools.GlobalToolConcurrency {
		return fmt.Errorf("%w: per_tool_concurrency (%d) must not exceed global_tool_concurrency (%d)",
			ErrConfig, c.Tools.PerToolConcurrency, c.Tools.GlobalToolConcurrency)
	}
	if c.Tools.DefaultToolTimeout <= 0 {
		return fmt.Errorf("%w: default_tool_timeout must be positive", ErrConfig)
	}
	if c.Tools.ToolCallFanout < 1 {
		return fmt.Errorf("%w: tool_call_fanout must be at least 1", ErrConfig)
	}
	switch c.Tools.ApprovalMode {
	case "default", "auto_edit", "plan", "yolo":
	default:
		return fmt.Errorf("%w: unknown approval_mode %q", ErrConfig, c.Tools.ApprovalMode)
	}
	return nil
}
