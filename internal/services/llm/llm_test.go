package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"sifter/internal/services"
)

func TestAnthropicCompleteParsesTextBlocks(t *testing.T) {
	var gotVersion, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Temperature != 0.7 || req.MaxTokens != 4000 {
			t.Errorf("unexpected request tuning: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": `{"clips":`},
				{"type": "text", "text": `[]}`},
			},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{
		APIKey:  "key-123",
		BaseURL: server.URL,
		Model:   "claude-sonnet-4-5",
	})
	content, err := client.Complete(context.Background(), Request{
		System:      "Respond with JSON only.",
		Prompt:      "Pick clips.",
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if content != `{"clips":[]}` {
		t.Fatalf("content = %q", content)
	}
	if gotVersion != anthropicVersion || gotKey != "key-123" {
		t.Fatalf("headers: version=%q key=%q", gotVersion, gotKey)
	}
}

func TestAnthropicRetriesOnOverload(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": `{"ok":true}`}},
		})
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: server.URL, Model: "m"},
		WithRetry(3, time.Millisecond, 10*time.Millisecond),
		WithSleeper(func(time.Duration) {}),
	)
	content, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected retry, requests=%d", requests)
	}
	if content != `{"ok":true}` {
		t.Fatalf("content = %q", content)
	}
}

func TestAnthropicDoesNotRetryBadRequest(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: server.URL, Model: "m"},
		WithRetry(3, time.Millisecond, 10*time.Millisecond),
		WithSleeper(func(time.Duration) {}),
	)
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if requests != 1 {
		t.Fatalf("bad request must not retry, requests=%d", requests)
	}
}

type fakeChatAPI struct {
	response openai.ChatCompletionResponse
	err      error
	lastReq  openai.ChatCompletionRequest
}

func (f *fakeChatAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	return f.response, f.err
}

func TestOpenAIForcesDefaultTemperatureForReasoningModels(t *testing.T) {
	api := &fakeChatAPI{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: `{"ok":true}`}}},
	}}
	client := NewOpenAIClientWithAPI(api, "o1-mini")

	if _, err := client.Complete(context.Background(), Request{Prompt: "hi", Temperature: 0.7}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if api.lastReq.Temperature != 1 {
		t.Fatalf("temperature = %v", api.lastReq.Temperature)
	}
}

type scriptedClient struct {
	name    string
	content string
	err     error
	calls   int
}

func (c *scriptedClient) Complete(context.Context, Request) (string, error) {
	c.calls++
	return c.content, c.err
}

func (c *scriptedClient) Name() string { return c.name }

func TestServiceFallsBackOnceOnRetryableFailure(t *testing.T) {
	primary := &scriptedClient{name: "anthropic", err: services.Wrap(services.ErrTransport, "llm", "complete", "dial", errors.New("refused"))}
	fallback := &scriptedClient{name: "openai", content: `{"ok":true}`}
	service := NewService(primary, fallback)

	content, err := service.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if content != `{"ok":true}` || fallback.calls != 1 {
		t.Fatalf("fallback not used: content=%q calls=%d", content, fallback.calls)
	}
}

func TestServiceDoesNotFallBackOnInvariantFailure(t *testing.T) {
	primary := &scriptedClient{name: "anthropic", err: services.Wrap(services.ErrInvariant, "llm", "complete", "prompt required", nil)}
	fallback := &scriptedClient{name: "openai", content: `{"ok":true}`}
	service := NewService(primary, fallback)

	if _, err := service.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if fallback.calls != 0 {
		t.Fatal("invariant failures must not hit the fallback")
	}
}

func TestDecodeJSONStripsFences(t *testing.T) {
	var parsed struct {
		Clips []struct {
			Start float64 `json:"startTime"`
		} `json:"clips"`
	}
	payload := "```json\n{\"clips\":[{\"startTime\":12.5}]}\n```"
	if err := DecodeJSON(payload, &parsed); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if len(parsed.Clips) != 1 || parsed.Clips[0].Start != 12.5 {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestDecodeJSONExtractsEmbeddedObject(t *testing.T) {
	var parsed struct {
		Intro string `json:"intro"`
	}
	payload := "Here is the script you asked for:\n{\"intro\": \"Welcome\"}\nLet me know if you need edits."
	if err := DecodeJSON(payload, &parsed); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if parsed.Intro != "Welcome" {
		t.Fatalf("intro = %q", parsed.Intro)
	}
}

func TestResolveModelPassthrough(t *testing.T) {
	if got := ResolveModel("anthropic", "claude-sonnet"); got != "claude-sonnet-4-5" {
		t.Fatalf("resolve = %q", got)
	}
	if got := ResolveModel("anthropic", "claude-opus-pinpointed"); got != "claude-opus-pinpointed" {
		t.Fatalf("unknown names must pass through, got %q", got)
	}
}

func TestAnthropicAuthFailureIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "authentication_error", "message": "invalid x-api-key"},
		})
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "bad-key", BaseURL: server.URL, Model: "m"})
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("401 should surface as configuration error, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("a rejected key must not burn the queue's attempt budget")
	}
}

func TestAnthropicServerErrorStaysRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: server.URL, Model: "m"},
		WithRetry(2, time.Millisecond, 10*time.Millisecond),
		WithSleeper(func(time.Duration) {}),
	)
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !services.Retryable(err) {
		t.Fatalf("502 should stay retryable, got %v", err)
	}
}

func TestOpenAIClassifiesAPIErrorsByStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeChatAPI{err: &openai.APIError{HTTPStatusCode: tc.status, Message: tc.name}}
			client := NewOpenAIClientWithAPI(api, "gpt-4o-mini")
			_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := services.Retryable(err); got != tc.retryable {
				t.Fatalf("Retryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestNewOpenAIClientAcceptsTimeout(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", Model: "gpt-4o-mini", TimeoutSeconds: 30})
	if client.Name() != "openai" {
		t.Fatalf("name = %q", client.Name())
	}
}
