package tts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"sifter/internal/services"
)

type fakeSpeechAPI struct {
	audio   string
	err     error
	lastReq openai.CreateSpeechRequest
}

func (f *fakeSpeechAPI) CreateSpeech(_ context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return openai.RawResponse{}, f.err
	}
	return openai.RawResponse{ReadCloser: io.NopCloser(strings.NewReader(f.audio))}, nil
}

func TestOpenAISynthesizeWritesAudioFile(t *testing.T) {
	api := &fakeSpeechAPI{audio: "mp3-bytes"}
	synth := NewOpenAISynthesizerWithAPI(api, OpenAIConfig{Voice: "nova", Model: "tts-1", Speed: 1.0})
	output := filepath.Join(t.TempDir(), "narration", "intro.mp3")

	if err := synth.Synthesize(context.Background(), "Welcome to your digest.", output); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "mp3-bytes" {
		t.Fatalf("output = %q", data)
	}
	if api.lastReq.Voice != openai.VoiceNova || api.lastReq.ResponseFormat != openai.SpeechResponseFormatMp3 {
		t.Fatalf("request = %+v", api.lastReq)
	}
}

func TestOpenAISynthesizeRejectsEmptyText(t *testing.T) {
	synth := NewOpenAISynthesizerWithAPI(&fakeSpeechAPI{}, OpenAIConfig{})
	err := synth.Synthesize(context.Background(), "   ", filepath.Join(t.TempDir(), "x.mp3"))
	if !errors.Is(err, services.ErrInvariant) {
		t.Fatalf("expected invariant sentinel, got %v", err)
	}
}

func TestMockSynthesizeProducesDeterministicFile(t *testing.T) {
	synth := NewMockSynthesizer()
	output := filepath.Join(t.TempDir(), "transition_0.mp3")

	if err := synth.Synthesize(context.Background(), "Up next, a clip about compilers.", output); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestEstimateDurationScalesWithWords(t *testing.T) {
	short := EstimateDuration("one two three")
	long := EstimateDuration(strings.Repeat("word ", 150))
	if short >= long {
		t.Fatalf("short=%v long=%v", short, long)
	}
	if long < 59 || long > 61 {
		t.Fatalf("150 words should be about a minute, got %v", long)
	}
}

func TestOpenAISynthesizeClassifiesAuthErrorsAsFatal(t *testing.T) {
	api := &fakeSpeechAPI{err: &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}}
	synth := NewOpenAISynthesizerWithAPI(api, OpenAIConfig{})

	err := synth.Synthesize(context.Background(), "hello", filepath.Join(t.TempDir(), "x.mp3"))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration sentinel, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("a rejected key must not be retried")
	}
}

func TestNewOpenAISynthesizerAcceptsTimeout(t *testing.T) {
	synth := NewOpenAISynthesizer(OpenAIConfig{APIKey: "k", TimeoutSeconds: 45})
	if synth.Name() != "openai" {
		t.Fatalf("name = %q", synth.Name())
	}
}
