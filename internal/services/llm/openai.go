package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"sifter/internal/services"
)

// OpenAIConfig captures the runtime settings for OpenAI chat completions.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// OpenAIClient wraps the OpenAI chat completion API.
type OpenAIClient struct {
	api   chatCompleter
	model string
}

// chatCompleter is the slice of the OpenAI SDK the client needs; tests
// substitute a fake.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient constructs an OpenAI-backed client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = base
	}
	if cfg.TimeoutSeconds > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return &OpenAIClient{
		api:   openai.NewClientWithConfig(clientConfig),
		model: strings.TrimSpace(cfg.Model),
	}
}

// NewOpenAIClientWithAPI wires a custom API implementation (used in tests).
func NewOpenAIClientWithAPI(api chatCompleter, model string) *OpenAIClient {
	return &OpenAIClient{api: api, model: model}
}

// Name identifies the provider in logs and health output.
func (c *OpenAIClient) Name() string { return "openai" }

// Complete issues a chat completion and returns the text content.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", services.Wrap(services.ErrInvariant, "llm", "openai complete", "prompt required", nil)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: strings.TrimSpace(req.Prompt),
	})

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: effectiveTemperature(c.model, req.Temperature),
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", services.Wrap(apiErrorMarker(err), "llm", "openai complete", "chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", services.Wrap(services.ErrParse, "llm", "openai complete", "empty choices", nil)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", services.Wrap(services.ErrParse, "llm", "openai complete",
			"empty content (finish_reason="+string(resp.Choices[0].FinishReason)+")", nil)
	}
	return content, nil
}

// apiErrorMarker classifies an OpenAI SDK error by its HTTP status so bad
// credentials and malformed requests do not burn the queue's attempt budget.
func apiErrorMarker(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return services.HTTPStatusMarker(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return services.HTTPStatusMarker(reqErr.HTTPStatusCode)
	}
	return services.ErrTransport
}

// effectiveTemperature accounts for reasoning models that only accept the
// default temperature of 1.
func effectiveTemperature(model string, requested float64) float32 {
	lowered := strings.ToLower(model)
	if strings.HasPrefix(lowered, "o1") || strings.HasPrefix(lowered, "o3") || strings.HasPrefix(lowered, "gpt-5") {
		return 1
	}
	return float32(requested)
}
