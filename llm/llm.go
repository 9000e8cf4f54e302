// Package llm implements agent.Model on top of hosted language model APIs: OpenAI, Azure OpenAI,
// any OpenAI compatible endpoint, and Amazon Bedrock.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/MegaGrindStone/go-mcp-host/agent"
)

// Provider selects the API a model is reached through.
type Provider string

// Config selects and tunes a model.
type Config struct {
	Provider Provider
	Model    string
	APIKey   string
	// BaseURL is the endpoint of an Azure resource or of a hosted OpenAI compatible API.
	BaseURL    string
	APIVersion string
	// Region is the AWS region of Bedrock. Empty uses the default AWS configuration.
	Region string

	MaxTokens   int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
}

// Option tunes the requests of a model.
type Option func(*settings)

type settings struct {
	maxTokens   int
	temperature *float64
	topP        *float64

	logger *slog.Logger
}

// Providers.
const (
	ProviderOpenAI  Provider = "openai"
	ProviderAzure   Provider = "azure"
	ProviderHosted  Provider = "hosted"
	ProviderBedrock Provider = "bedrock"
)

var (
	// ErrUnknownProvider is returned by New for a provider it doesn't know.
	ErrUnknownProvider = errors.New("unknown provider")

	errEmptyResponse = errors.New("empty response")
)

// WithMaxTokens sets the default completion token limit, used when a request doesn't set one.
func WithMaxTokens(n int) Option {
	return func(s *settings) {
		s.maxTokens = n
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(s *settings) {
		s.temperature = &temperature
	}
}

// WithTopP sets the nucleus sampling probability.
func WithTopP(topP float64) Option {
	return func(s *settings) {
		s.topP = &topP
	}
}

// WithLogger sets the logger of the model.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// New creates the model described by cfg.
func New(ctx context.Context, cfg Config, options ...Option) (agent.Model, error) {
	options = append([]Option{
		WithMaxTokens(cfg.MaxTokens),
		WithTemperature(cfg.Temperature),
		WithTopP(cfg.TopP),
	}, options...)

	httpClient := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Provider {
	case ProviderOpenAI, "":
		c := openai.DefaultConfig(cfg.APIKey)
		c.HTTPClient = httpClient
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		return NewOpenAI(c, cfg.Model, options...), nil
	case ProviderAzure:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("azure provider requires a base url")
		}
		c := openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		c.HTTPClient = httpClient
		if cfg.APIVersion != "" {
			c.APIVersion = cfg.APIVersion
		}
		return NewOpenAI(c, cfg.Model, options...), nil
	case ProviderHosted:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("hosted provider requires a base url")
		}
		c := openai.DefaultConfig(cfg.APIKey)
		c.HTTPClient = httpClient
		c.BaseURL = cfg.BaseURL
		return NewOpenAI(c, cfg.Model, options...), nil
	case ProviderBedrock:
		return LoadBedrock(ctx, cfg.Region, cfg.Model, options...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

func newSettings(component string, options []Option) settings {
	s := settings{logger: slog.Default()}
	for _, opt := range options {
		opt(&s)
	}
	s.logger = s.logger.With(
		slog.String("package", "llm"),
		slog.String("component", component),
	)
	return s
}

func (s settings) maxTokensFor(req agent.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return s.maxTokens
}

func (s settings) temperatureFor(req agent.Request) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	return s.temperature
}
