// Package generation sends composed prompts to a text-generation service.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyCompletion is returned when the service answers with blank text.
var ErrEmptyCompletion = errors.New("empty completion")

// Generator performs one blocking completion. Implementations never retry.
type Generator interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config controls generator construction.
type Config struct {
	Provider         string // auto|openai|anthropic|mock
	BaseURL          string
	APIKey           string
	Model            string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	Timeout          time.Duration
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	switch mode {
	case "auto":
		return newAutoGenerator(cfg)
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("generation API key is required for openai mode")
		}
		return NewOpenAIGenerator(cfg)
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic API key is required for anthropic mode")
		}
		return NewAnthropicGenerator(cfg)
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", cfg.Provider)
	}
}

func newAutoGenerator(cfg Config) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) != "" {
		return NewOpenAIGenerator(cfg)
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		return NewAnthropicGenerator(cfg)
	}
	return NewMockGenerator(), nil
}

// ProviderError wraps a failed upstream call with the provider name and,
// when known, the HTTP status it answered with.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s generation failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s generation failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus lets the reliability classifier label the failure.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func finishCompletion(provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ProviderError{Provider: provider, Err: ErrEmptyCompletion}
	}
	return text, nil
}
