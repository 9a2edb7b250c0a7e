package deps

import (
	"os"
	"path/filepath"
	"testing"

	"sifter/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Unset", Command: "   "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected present binary to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary with detail, got %#v", results[1])
	}
	if results[2].Available || results[2].Detail != "command not configured" {
		t.Fatalf("expected unset command detail, got %#v", results[2])
	}
}

func TestRequirementsIncludeWhisperOnlyForLocalMode(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "api"
	for _, req := range Requirements(&cfg) {
		if req.Name == "Whisper" {
			t.Fatal("whisper must not be required in api mode")
		}
	}

	cfg.STT.Mode = "local"
	cfg.STT.WhisperCommand = "whisper-cli"
	found := false
	for _, req := range Requirements(&cfg) {
		if req.Name == "Whisper" {
			found = true
			if req.Command != "whisper-cli" {
				t.Fatalf("whisper command = %q", req.Command)
			}
		}
	}
	if !found {
		t.Fatal("whisper must be required in local mode")
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "api"
	cfg.STT.APIKey = ""
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.AnthropicAPIKey = "sk-ant-test"
	cfg.LLM.FallbackToOpenAI = true
	cfg.LLM.OpenAIAPIKey = ""
	cfg.TTS.Provider = "mock"

	byName := make(map[string]Status)
	for _, status := range CheckCredentials(&cfg) {
		byName[status.Name] = status
	}

	if status := byName["STT API key"]; status.Available {
		t.Fatalf("missing stt key must report unavailable, got %#v", status)
	}
	if status := byName["Anthropic API key"]; !status.Available {
		t.Fatalf("configured anthropic key must report available, got %#v", status)
	}
	fallback, ok := byName["OpenAI API key"]
	if !ok || !fallback.Optional || fallback.Available {
		t.Fatalf("fallback key must be optional and unavailable, got %#v", fallback)
	}
	if _, ok := byName["TTS API key"]; ok {
		t.Fatal("mock tts provider needs no key")
	}
}

func TestReady(t *testing.T) {
	statuses := []Status{
		{Name: "A", Available: true},
		{Name: "B", Optional: true, Available: false},
	}
	if !Ready(statuses) {
		t.Fatal("optional misses must not block readiness")
	}
	statuses = append(statuses, Status{Name: "C", Available: false})
	if Ready(statuses) {
		t.Fatal("required miss must block readiness")
	}
}
