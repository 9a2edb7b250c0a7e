package tts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"sifter/internal/services"
)

// OpenAIConfig captures the runtime settings for the hosted speech endpoint.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Voice          string
	Speed          float64
	TimeoutSeconds int
}

// OpenAISynthesizer renders narration through the OpenAI speech API.
type OpenAISynthesizer struct {
	api   speechAPI
	model openai.SpeechModel
	voice openai.SpeechVoice
	speed float64
}

type speechAPI interface {
	CreateSpeech(ctx context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, error)
}

// NewOpenAISynthesizer constructs the hosted backend.
func NewOpenAISynthesizer(cfg OpenAIConfig) *OpenAISynthesizer {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = base
	}
	if cfg.TimeoutSeconds > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return newOpenAISynthesizer(openai.NewClientWithConfig(clientConfig), cfg)
}

// NewOpenAISynthesizerWithAPI wires a custom API implementation (used in tests).
func NewOpenAISynthesizerWithAPI(api speechAPI, cfg OpenAIConfig) *OpenAISynthesizer {
	return newOpenAISynthesizer(api, cfg)
}

func newOpenAISynthesizer(api speechAPI, cfg OpenAIConfig) *OpenAISynthesizer {
	model := openai.SpeechModel(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = openai.TTSModel1
	}
	voice := openai.SpeechVoice(strings.TrimSpace(cfg.Voice))
	if voice == "" {
		voice = openai.VoiceNova
	}
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}
	return &OpenAISynthesizer{api: api, model: model, voice: voice, speed: speed}
}

// Name identifies the backend in logs and health output.
func (s *OpenAISynthesizer) Name() string { return "openai" }

// Synthesize renders text to an MP3 file at outputPath.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, outputPath string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return services.Wrap(services.ErrInvariant, "tts", "synthesize", "text required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return services.Wrap(services.ErrInvariant, "tts", "synthesize", "create output dir", err)
	}

	resp, err := s.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		Speed:          s.speed,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return services.Wrap(apiErrorMarker(err), "tts", "synthesize", "speech request", err)
	}
	defer resp.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return services.Wrap(services.ErrInvariant, "tts", "synthesize", "create output file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp); err != nil {
		return services.Wrap(services.ErrTransport, "tts", "synthesize", "stream audio", err)
	}
	return nil
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
