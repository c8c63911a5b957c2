// Package embedding turns text into fixed-width unit vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/trafficlaw/internal/reliability"
)

// ErrDimensionMismatch is returned when a backend yields a vector of the wrong width.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider embeds a single text. Implementations return L2-normalised vectors
// of exactly Dimension() components and are safe for concurrent use.
type Provider interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string // auto|openai|hash
	BaseURL  string
	APIKey   string
	Model    string
	Dim      int
}

// NewProvider builds the configured provider. "auto" uses the remote
// endpoint when one is configured and the local hash embedder otherwise.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dim)
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" || mode == "auto" {
		if strings.TrimSpace(cfg.BaseURL) != "" {
			mode = "openai"
		} else {
			mode = "hash"
		}
	}
	switch mode {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "hash":
		return NewHashProvider(cfg.Dim), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

// Normalize scales v to unit length in place. Zero vectors are left unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) * inv)
	}
	return v
}

// Warmup probes p until it returns a correctly sized vector. A wrong width is
// not retried.
func Warmup(ctx context.Context, p Provider, attempts int, base, maxDelay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, base, maxDelay))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("embedding warmup: %w", ctx.Err())
			case <-timer.C:
			}
		}
		vec, err := p.Embed(ctx, "traffic law warmup probe")
		if err == nil {
			return checkDimension(vec, p.Dimension())
		}
		if errors.Is(err, ErrDimensionMismatch) {
			return fmt.Errorf("embedding warmup: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("embedding warmup (%s) failed after %d attempts: %w", p.Name(), attempts, lastErr)
}

func checkDimension(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}
