package generation

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator provides deterministic local replies when no language model is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Name() string { return "mock" }

func (g *MockGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(prompt), nil
}

func buildMockReply(prompt string) string {
	question := prompt
	if i := strings.LastIndex(prompt, "QUESTION: "); i >= 0 {
		question = prompt[i+len("QUESTION: "):]
	}
	question = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(question), "ANSWER:"))
	if question == "" {
		question = "your question"
	}
	return fmt.Sprintf("No language model is configured, so I cannot answer: %s", question)
}
