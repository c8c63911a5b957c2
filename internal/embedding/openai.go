package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint, such as a
// text-embeddings server hosting all-MiniLM-L6-v2.
type OpenAIProvider struct {
	client openai.Client
	model  string
	dim    int
}

func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("openai embedding provider requires a base URL")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai embedding provider requires a model")
	}
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	} else {
		// Self-hosted servers usually ignore the header, the SDK still wants one.
		opts = append(opts, option.WithAPIKey("unused"))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		dim:    cfg.Dim,
	}, nil
}

func (p *OpenAIProvider) Name() string   { return "openai" }
func (p *OpenAIProvider) Dimension() int { return p.dim }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, x := range raw {
		vec[i] = float32(x)
	}
	if err := checkDimension(vec, p.dim); err != nil {
		return nil, err
	}
	return Normalize(vec), nil
}
