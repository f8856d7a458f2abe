package aiconnectors

import (
	"context"
	"fmt"
	"time"

	"github.com/prmindmap/internal/retry"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI  Provider = "openai"
	ProviderGemini  Provider = "gemini"
	ProviderClaude  Provider = "claude"
	ProviderCohere  Provider = "cohere"
	ProviderOllama  Provider = "ollama"
	ProviderOffline Provider = "offline"
)

// DefaultModel returns the model used when none is configured
func DefaultModel(provider Provider) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderGemini:
		return "gemini-2.5-flash"
	case ProviderClaude:
		return "claude-3-5-sonnet-20241022"
	case ProviderCohere:
		return "command-r"
	case ProviderOllama:
		return "llama3"
	default:
		return ""
	}
}

// ModelConfig contains the configuration for a specific model
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"api_key"`
	BaseURL     string      `json:"base_url,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`
}

// Connector is an inference backend over a langchaingo model
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
}

// NewConnector creates a new connector for the specified provider
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	if options.ModelConfig.Model == "" {
		options.ModelConfig.Model = DefaultModel(options.Provider)
	}

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Float64("temperature", options.ModelConfig.Temperature).
		Msg("Creating new connector")

	var model llms.Model
	var err error
	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderCohere:
		model, err = createCohereModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
	}, nil
}

func createOpenAIModel(options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	log.Debug().
		Str("api_key_prefix", keyPrefix(options.APIKey)).
		Str("model", options.ModelConfig.Model).
		Msg("Creating Gemini model")

	model, err := googleai.New(ctx,
		googleai.WithAPIKey(options.APIKey),
		googleai.WithDefaultModel(options.ModelConfig.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(options ConnectorOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(options.BaseURL))
	}
	return anthropic.New(opts...)
}

func createCohereModel(options ConnectorOptions) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:11434"
	}
	// Ollama has no constructor options for temperature or tokens; they go
	// on each call instead.
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.ModelConfig.Model),
	)
}

func (c *Connector) callOptions() []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithTemperature(c.options.ModelConfig.Temperature),
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}
	if c.options.ModelConfig.TopP > 0 {
		opts = append(opts, llms.WithTopP(c.options.ModelConfig.TopP))
	}
	if c.provider == ProviderGemini {
		opts = append(opts, llms.WithModel(c.options.ModelConfig.Model))
	}
	return opts
}

// Generate sends prompt to the model and returns its raw text
func (c *Connector) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, c.callOptions()...)
}

// GetProvider returns the provider of this connector
func (c *Connector) GetProvider() Provider {
	return c.provider
}

// GetModel returns the model name from the config
func (c *Connector) GetModel() string {
	return c.options.ModelConfig.Model
}

// pingRetry retries a ping that failed for a transient reason. Rate limiting
// already proves the key works, so it is not retried.
var pingRetry = retry.RetryConfig{
	MaxRetries: 2,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 2.0,
	Jitter:     true,
	LogRetries: true,
	RetryIf: func(err error) bool {
		return retry.IsRetryableError(err) && !retry.IsRateLimitError(err)
	},
}

// Ping issues a tiny completion to check that the credentials work. Ollama
// is checked by listing its models instead.
func Ping(ctx context.Context, options ConnectorOptions) error {
	var check func() error
	if options.Provider == ProviderOllama {
		check = func() error {
			return ValidateOllamaConnection(ctx, options.BaseURL, options.APIKey)
		}
	} else {
		options.ModelConfig.MaxTokens = 10
		connector, err := NewConnector(ctx, options)
		if err != nil {
			return err
		}
		check = func() error {
			_, err := connector.Generate(ctx, "ping")
			return err
		}
	}

	result := retry.RetryWithBackoff(ctx, pingRetry, check)
	if result.Success {
		return nil
	}
	err := result.LastError
	log.Debug().Err(err).
		Str("provider", string(options.Provider)).
		Str("api_key_prefix", keyPrefix(options.APIKey)).
		Int("attempts", result.Attempts).
		Msg("Connector ping failed")
	if retry.IsRateLimitError(err) {
		return fmt.Errorf("quota exceeded - the API key is likely valid but rate limited: %w", err)
	}
	if options.Provider == ProviderOllama {
		return err
	}
	return fmt.Errorf("ping %s: %w", options.Provider, err)
}

func keyPrefix(key string) string {
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
