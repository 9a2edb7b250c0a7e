package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sifter/internal/services"
)

// wordsPerMinute approximates narration pace for the mock backend's
// synthetic duration.
const wordsPerMinute = 150.0

// MockSynthesizer writes a placeholder file instead of calling a speech API.
// Useful for development and tests where real narration audio is irrelevant.
type MockSynthesizer struct{}

// NewMockSynthesizer constructs the mock backend.
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{}
}

// Name identifies the backend in logs and health output.
func (s *MockSynthesizer) Name() string { return "mock" }

// Synthesize writes a small placeholder file annotated with the synthetic
// duration derived from the word count.
func (s *MockSynthesizer) Synthesize(_ context.Context, text, outputPath string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return services.Wrap(services.ErrInvariant, "tts", "synthesize", "text required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return services.Wrap(services.ErrInvariant, "tts", "synthesize", "create output dir", err)
	}
	duration := EstimateDuration(text)
	body := fmt.Sprintf("mock narration (%.1fs): %s\n", duration, text)
	if err := os.WriteFile(outputPath, []byte(body), 0o644); err != nil {
		return services.Wrap(services.ErrInvariant, "tts", "synthesize", "write output file", err)
	}
	return nil
}

// EstimateDuration approximates spoken length in seconds at a typical
// narration pace.
func EstimateDuration(text string) float64 {
	words := len(strings.Fields(text))
	return float64(words) / wordsPerMinute * 60.0
}
