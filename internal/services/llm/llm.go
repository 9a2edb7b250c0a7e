package llm

import (
	"context"
	"strings"

	"sifter/internal/services"
)

// Request is one chat completion call. Prompts are plain text; every caller
// in the pipeline expects a JSON response body.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Client issues chat completions against one provider.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// Service routes completions to a primary provider with a single fallback
// attempt against OpenAI when the primary fails.
type Service struct {
	primary  Client
	fallback Client
}

// NewService wires the provider chain. fallback may be nil.
func NewService(primary, fallback Client) *Service {
	return &Service{primary: primary, fallback: fallback}
}

// Complete runs the request on the primary provider, falling back once when
// the primary fails for a retryable reason.
func (s *Service) Complete(ctx context.Context, req Request) (string, error) {
	if s.primary == nil {
		return "", services.Wrap(services.ErrConfiguration, "llm", "complete", "no provider configured", nil)
	}
	content, err := s.primary.Complete(ctx, req)
	if err == nil {
		return content, nil
	}
	if s.fallback == nil || !services.Retryable(err) || ctx.Err() != nil {
		return "", err
	}
	content, fallbackErr := s.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		return "", services.Wrap(services.ErrUnavailable, "llm", "complete",
			"primary failed ("+err.Error()+"); fallback failed", fallbackErr)
	}
	return content, nil
}

// Providers describes the configured chain for health reporting.
func (s *Service) Providers() string {
	if s.primary == nil {
		return "none"
	}
	if s.fallback == nil {
		return s.primary.Name()
	}
	return s.primary.Name() + " -> " + s.fallback.Name()
}

// ResolveModel maps a logical model name from configuration to the provider
// model identifier. Unknown names pass through untouched so operators can pin
// exact provider ids.
func ResolveModel(provider, logical string) string {
	logical = strings.TrimSpace(logical)
	switch provider {
	case "anthropic":
		switch logical {
		case "claude-sonnet", "":
			return "claude-sonnet-4-5"
		case "claude-haiku":
			return "claude-3-5-haiku-latest"
		}
	case "openai":
		switch logical {
		case "gpt", "":
			return "gpt-4o"
		case "gpt-mini":
			return "gpt-4o-mini"
		}
	}
	return logical
}
