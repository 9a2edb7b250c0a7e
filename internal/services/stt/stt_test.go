package stt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"sifter/internal/services"
)

type fakeAudioAPI struct {
	response openai.AudioResponse
	err      error
	lastReq  openai.AudioRequest
}

func (f *fakeAudioAPI) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	f.lastReq = req
	return f.response, f.err
}

func TestAPITranscribeRequestsVerboseSegments(t *testing.T) {
	var response openai.AudioResponse
	if err := json.Unmarshal([]byte(`{
        "text": " hello world ",
        "language": "en",
        "duration": 12.4,
        "segments": [
            {"start": 0, "end": 6.1, "text": " hello "},
            {"start": 6.1, "end": 12.4, "text": "world"},
            {"start": 12.4, "end": 12.4, "text": "   "}
        ]
    }`), &response); err != nil {
		t.Fatalf("build response: %v", err)
	}
	api := &fakeAudioAPI{response: response}
	transcriber := NewAPITranscriberWithClient(api, openai.Whisper1)

	result, err := transcriber.Transcribe(context.Background(), "/tmp/chunk.mp3", Options{Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if api.lastReq.Format != openai.AudioResponseFormatVerboseJSON {
		t.Fatalf("format = %q", api.lastReq.Format)
	}
	if api.lastReq.Language != "en" {
		t.Fatalf("language hint not forwarded: %q", api.lastReq.Language)
	}
	if result.Text != "hello world" || result.Duration != 12.4 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Segments) != 2 || result.Segments[0].Text != "hello" {
		t.Fatalf("segments = %+v", result.Segments)
	}
}

func TestAPITranscribeWrapsTransportErrors(t *testing.T) {
	api := &fakeAudioAPI{err: errors.New("connection reset")}
	transcriber := NewAPITranscriberWithClient(api, openai.Whisper1)

	_, err := transcriber.Transcribe(context.Background(), "/tmp/chunk.mp3", Options{})
	if !errors.Is(err, services.ErrTransport) {
		t.Fatalf("expected transport sentinel, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("transport errors must be retryable")
	}
}

func TestLocalTranscribeBuildsArgsAndParsesJSON(t *testing.T) {
	var gotName string
	var gotArgs []string
	transcriber := NewLocalTranscriber(LocalConfig{Command: "whisper-transcribe", Model: "small"},
		WithCommandRunner(func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotName = name
			gotArgs = args
			return []byte(`{
                "text": "chunk text",
                "language": "en",
                "duration": 45.2,
                "segments": [{"start": 0, "end": 45.2, "text": " chunk text "}]
            }`), nil
		}))

	result, err := transcriber.Transcribe(context.Background(), "/tmp/episode.mp3", Options{Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotName != "whisper-transcribe" {
		t.Fatalf("command = %q", gotName)
	}
	want := []string{"/tmp/episode.mp3", "--model", "small", "--output", "json", "--language", "en"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v", gotArgs)
	}
	for i, arg := range want {
		if gotArgs[i] != arg {
			t.Fatalf("arg[%d] = %q, want %q", i, gotArgs[i], arg)
		}
	}
	if result.Segments[0].Text != "chunk text" {
		t.Fatalf("segments = %+v", result.Segments)
	}
}

func TestLocalTranscribeRejectsBadOutput(t *testing.T) {
	transcriber := NewLocalTranscriber(LocalConfig{},
		WithCommandRunner(func(context.Context, string, ...string) ([]byte, error) {
			return []byte("Loading Whisper model: base"), nil
		}))

	_, err := transcriber.Transcribe(context.Background(), "/tmp/episode.mp3", Options{})
	if !errors.Is(err, services.ErrParse) {
		t.Fatalf("expected parse sentinel, got %v", err)
	}
}

func TestAPITranscribeClassifiesAuthErrorsAsFatal(t *testing.T) {
	api := &fakeAudioAPI{err: &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}}
	transcriber := NewAPITranscriberWithClient(api, openai.Whisper1)

	_, err := transcriber.Transcribe(context.Background(), "/tmp/chunk.mp3", Options{})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration sentinel, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("a rejected key must not be retried")
	}
}

func TestAPITranscribeKeepsRateLimitsRetryable(t *testing.T) {
	api := &fakeAudioAPI{err: &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}}
	transcriber := NewAPITranscriberWithClient(api, openai.Whisper1)

	_, err := transcriber.Transcribe(context.Background(), "/tmp/chunk.mp3", Options{})
	if !services.Retryable(err) {
		t.Fatalf("429 should stay retryable, got %v", err)
	}
}

func TestNewAPITranscriberAcceptsTimeout(t *testing.T) {
	transcriber := NewAPITranscriber(APIConfig{APIKey: "k", TimeoutSeconds: 60})
	if transcriber.Name() != "api" {
		t.Fatalf("name = %q", transcriber.Name())
	}
}
