// Package config loads the settings of the host from the environment, an optional env file and a
// YAML server list, and builds the host logger.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/host"
	"github.com/MegaGrindStone/go-mcp-host/llm"
)

// DefaultEnvFile is read by Load when no env file is given.
const DefaultEnvFile = "mcp_client.env"

// Config holds the settings of the host. Every field is read from an MCP_CLIENT_* variable.
type Config struct {
	Model ModelConfig

	// MaxIterations bounds the model rounds of one user input.
	MaxIterations int `env:"MCP_CLIENT_MAX_ITERATIONS,default=10"`
	// MaxRepeats bounds how many times in a row the model may request the same tool calls.
	MaxRepeats   int    `env:"MCP_CLIENT_MAX_REPEATS,default=2"`
	SystemPrompt string `env:"MCP_CLIENT_SYSTEM_PROMPT"`
	// ToolTimeout bounds a single tool invocation. Zero means no limit.
	ToolTimeout time.Duration `env:"MCP_CLIENT_TOOL_TIMEOUT,default=0s"`
	// ConfirmTools asks the user before calling a tool that isn't annotated read-only.
	ConfirmTools bool `env:"MCP_CLIENT_CONFIRM_TOOLS,default=false"`

	Sampling    bool `env:"MCP_CLIENT_SAMPLING,default=true"`
	Elicitation bool `env:"MCP_CLIENT_ELICITATION,default=true"`
	Logging     bool `env:"MCP_CLIENT_LOGGING,default=true"`
	Progress    bool `env:"MCP_CLIENT_PROGRESS,default=true"`

	// LogLevel is the level of the host logger and the minimum level asked from servers.
	LogLevel string `env:"MCP_CLIENT_LOG_LEVEL,default=info"`
	// LogFile receives the host log. Empty means stderr.
	LogFile string `env:"MCP_CLIENT_LOG_FILE"`

	// ServersFile is the YAML server list.
	ServersFile string `env:"MCP_CLIENT_SERVERS_FILE,default=servers.yaml"`
}

// ModelConfig selects the language model.
type ModelConfig struct {
	Provider    string        `env:"MCP_CLIENT_PROVIDER,default=openai"`
	Name        string        `env:"MCP_CLIENT_MODEL,default=gpt-4o-mini"`
	APIKey      string        `env:"MCP_CLIENT_API_KEY"`
	BaseURL     string        `env:"MCP_CLIENT_BASE_URL"`
	APIVersion  string        `env:"MCP_CLIENT_API_VERSION"`
	Region      string        `env:"MCP_CLIENT_REGION"`
	MaxTokens   int           `env:"MCP_CLIENT_MAX_TOKENS,default=4096"`
	Temperature float64       `env:"MCP_CLIENT_TEMPERATURE,default=0.1"`
	TopP        float64       `env:"MCP_CLIENT_TOP_P,default=0.9"`
	Timeout     time.Duration `env:"MCP_CLIENT_TIMEOUT,default=300s"`
}

// Load reads envFile, when it exists, into the environment without overriding variables that are
// already set, then decodes the configuration from the environment. An empty envFile means
// DefaultEnvFile.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that can't be expressed by the variable types.
func (c Config) Validate() error {
	if _, err := c.ServerLogLevel(); err != nil {
		return fmt.Errorf("invalid MCP_CLIENT_LOG_LEVEL: %w", err)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("invalid MCP_CLIENT_MAX_ITERATIONS %d: must be positive", c.MaxIterations)
	}
	if c.MaxRepeats < 0 {
		return fmt.Errorf("invalid MCP_CLIENT_MAX_REPEATS %d: must not be negative", c.MaxRepeats)
	}
	return nil
}

// LLM returns the configuration of the language model.
func (c Config) LLM() llm.Config {
	return llm.Config{
		Provider:    llm.Provider(c.Model.Provider),
		Model:       c.Model.Name,
		APIKey:      c.Model.APIKey,
		BaseURL:     c.Model.BaseURL,
		APIVersion:  c.Model.APIVersion,
		Region:      c.Model.Region,
		MaxTokens:   c.Model.MaxTokens,
		Temperature: c.Model.Temperature,
		TopP:        c.Model.TopP,
		Timeout:     c.Model.Timeout,
	}
}

// Features returns the client features enabled by the configuration.
func (c Config) Features() host.Features {
	return host.Features{
		Sampling:    c.Sampling,
		Elicitation: c.Elicitation,
		Progress:    c.Progress,
		Logging:     c.Logging,
	}
}

// ServerLogLevel returns the minimum level of the log messages servers are asked to send.
func (c Config) ServerLogLevel() (mcp.LogLevel, error) {
	return mcp.ParseLogLevel(c.LogLevel)
}
