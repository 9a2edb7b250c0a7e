// Package deps reports the availability of external tools and credentials
// the pipeline needs before it can produce a digest.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"sifter/internal/config"
)

// Requirement defines an external dependency Sifter relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Requirements derives the binary checks from configuration. The whisper
// binary only matters when STT runs locally.
func Requirements(cfg *config.Config) []Requirement {
	reqs := []Requirement{
		{
			Name:        "FFmpeg",
			Command:     cfg.Audio.FFmpegBinary,
			Description: "Clip extraction and digest stitching",
		},
		{
			Name:        "FFprobe",
			Command:     cfg.Audio.FFprobeBinary,
			Description: "Audio duration and format probing",
		},
	}
	if strings.EqualFold(cfg.STT.Mode, "local") {
		reqs = append(reqs, Requirement{
			Name:        "Whisper",
			Command:     cfg.STT.WhisperCommand,
			Description: "Local speech-to-text",
		})
	}
	return reqs
}

// CheckCredentials reports which API keys are configured. Keys are never
// validated against the provider; this only catches missing configuration.
func CheckCredentials(cfg *config.Config) []Status {
	var results []Status

	if strings.EqualFold(cfg.STT.Mode, "api") {
		results = append(results, keyStatus("STT API key", "Whisper transcription API", cfg.STT.APIKey, false))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "openai":
		results = append(results, keyStatus("OpenAI API key", "Clip analysis and curation", cfg.LLM.OpenAIAPIKey, false))
	default:
		results = append(results, keyStatus("Anthropic API key", "Clip analysis and curation", cfg.LLM.AnthropicAPIKey, false))
		if cfg.LLM.FallbackToOpenAI {
			results = append(results, keyStatus("OpenAI API key", "Fallback completion provider", cfg.LLM.OpenAIAPIKey, true))
		}
	}

	if strings.EqualFold(cfg.TTS.Provider, "openai") {
		results = append(results, keyStatus("TTS API key", "Narrator speech synthesis", cfg.LLM.OpenAIAPIKey, false))
	}
	return results
}

// Check runs every configured check: binaries then credentials.
func Check(cfg *config.Config) []Status {
	results := CheckBinaries(Requirements(cfg))
	return append(results, CheckCredentials(cfg)...)
}

// Ready reports whether every non-optional dependency is available.
func Ready(statuses []Status) bool {
	for _, status := range statuses {
		if !status.Optional && !status.Available {
			return false
		}
	}
	return true
}

func keyStatus(name, description, key string, optional bool) Status {
	status := Status{
		Name:        name,
		Description: description,
		Optional:    optional,
		Available:   strings.TrimSpace(key) != "",
	}
	if !status.Available {
		status.Detail = "not configured"
	}
	return status
}
