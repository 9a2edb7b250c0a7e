package main

import (
	"log/slog"
	"strings"

	"sifter/internal/analysis"
	"sifter/internal/assembly"
	"sifter/internal/blobcache"
	"sifter/internal/config"
	"sifter/internal/curation"
	"sifter/internal/media/audio"
	"sifter/internal/orchestrator"
	"sifter/internal/queue"
	"sifter/internal/services/llm"
	"sifter/internal/services/stt"
	"sifter/internal/services/tts"
	"sifter/internal/store"
	"sifter/internal/transcription"
)

// pipeline bundles the stage handlers behind one construction point so the
// daemon and the one-shot digest command wire them identically.
type pipeline struct {
	Transcription *transcription.Handler
	Analysis      *analysis.Handler
	Curation      *curation.Handler
	Assembly      *assembly.Handler
	Orchestrator  *orchestrator.Handler
}

func buildPipeline(cfg *config.Config, st *store.Store, qs *queue.Store, logger *slog.Logger) *pipeline {
	toolkit := audio.New(cfg.Audio.FFmpegBinary, cfg.Audio.FFprobeBinary, cfg.Audio.BitrateKbps)
	cache := blobcache.New(cfg.Paths.TempRoot)
	service := newLLMService(cfg)

	curationHandler := curation.NewHandler(cfg, st, service, logger)
	assemblyHandler := assembly.NewHandler(cfg, st, cache, toolkit, service, newSynthesizer(cfg), logger)

	return &pipeline{
		Transcription: transcription.NewHandler(cfg, st, cache, toolkit, newTranscriber(cfg), logger),
		Analysis:      analysis.NewHandler(cfg, st, service, logger),
		Curation:      curationHandler,
		Assembly:      assemblyHandler,
		Orchestrator:  orchestrator.NewHandler(cfg, st, qs, curationHandler, assemblyHandler, logger),
	}
}

func newLLMService(cfg *config.Config) *llm.Service {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if provider == "openai" {
		primary := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.LLM.OpenAIAPIKey,
			BaseURL:        cfg.LLM.OpenAIBaseURL,
			Model:          llm.ResolveModel("openai", cfg.LLM.Model),
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		})
		return llm.NewService(primary, nil)
	}

	primary := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:         cfg.LLM.AnthropicAPIKey,
		BaseURL:        cfg.LLM.AnthropicBaseURL,
		Model:          llm.ResolveModel("anthropic", cfg.LLM.Model),
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})
	var fallback llm.Client
	if cfg.LLM.FallbackToOpenAI && strings.TrimSpace(cfg.LLM.OpenAIAPIKey) != "" {
		fallback = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.LLM.OpenAIAPIKey,
			BaseURL:        cfg.LLM.OpenAIBaseURL,
			Model:          llm.ResolveModel("openai", cfg.LLM.Model),
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		})
	}
	return llm.NewService(primary, fallback)
}

func newTranscriber(cfg *config.Config) stt.Transcriber {
	if strings.EqualFold(cfg.STT.Mode, "local") {
		return stt.NewLocalTranscriber(stt.LocalConfig{
			Command: cfg.STT.WhisperCommand,
			Model:   cfg.STT.Model,
		})
	}
	return stt.NewAPITranscriber(stt.APIConfig{
		APIKey:  cfg.STT.APIKey,
		BaseURL: cfg.STT.BaseURL,
		Model:   cfg.STT.Model,
	})
}

func newSynthesizer(cfg *config.Config) tts.Synthesizer {
	if strings.EqualFold(cfg.TTS.Provider, "mock") {
		return tts.NewMockSynthesizer()
	}
	return tts.NewOpenAISynthesizer(tts.OpenAIConfig{
		APIKey: cfg.LLM.OpenAIAPIKey,
		Model:  cfg.TTS.Model,
		Voice:  cfg.TTS.Voice,
		Speed:  cfg.TTS.Speed,
	})
}
