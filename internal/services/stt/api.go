package stt

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"sifter/internal/services"
)

// APIConfig captures the runtime settings for the hosted transcription API.
type APIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// APITranscriber sends audio to the OpenAI transcription endpoint.
type APITranscriber struct {
	api   transcriptionAPI
	model string
}

type transcriptionAPI interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// NewAPITranscriber constructs the hosted backend.
func NewAPITranscriber(cfg APIConfig) *APITranscriber {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = base
	}
	if cfg.TimeoutSeconds > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.Whisper1
	}
	return &APITranscriber{
		api:   openai.NewClientWithConfig(clientConfig),
		model: model,
	}
}

// NewAPITranscriberWithClient wires a custom API implementation (used in tests).
func NewAPITranscriberWithClient(api transcriptionAPI, model string) *APITranscriber {
	return &APITranscriber{api: api, model: model}
}

// Name identifies the backend in logs and health output.
func (t *APITranscriber) Name() string { return "api" }

// Transcribe uploads the file and decodes the verbose response with segment
// timestamps.
func (t *APITranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, services.Wrap(services.ErrInvariant, "stt", "transcribe", "audio path required", nil)
	}

	req := openai.AudioRequest{
		Model:    t.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if language := strings.TrimSpace(opts.Language); language != "" {
		req.Language = language
	}

	resp, err := t.api.CreateTranscription(ctx, req)
	if err != nil {
		return nil, services.Wrap(apiErrorMarker(err), "stt", "transcribe", "transcription request", err)
	}

	result := &Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: strings.TrimSpace(resp.Language),
		Duration: resp.Duration,
	}
	for _, segment := range resp.Segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		result.Segments = append(result.Segments, Segment{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}
	return result, nil
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
