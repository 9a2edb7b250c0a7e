// Package analysis scores a transcribed episode against a listener's
// interests and stores the strongest clip candidates. Each run replaces the
// episode's clip set wholesale so re-analysis never accumulates stale clips.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"sifter/internal/config"
	"sifter/internal/logging"
	"sifter/internal/services"
	"sifter/internal/services/llm"
	"sifter/internal/stage"
	"sifter/internal/store"
)

const (
	analysisTemperature = 0.7
	analysisMaxTokens   = 4000

	minClipSeconds = 60.0
	maxClipSeconds = 180.0

	// Transcript timestamps drift a little against the container duration,
	// so clips may run slightly past the reported end.
	durationSlackSeconds = 5.0
)

// Payload is the analysis queue message.
type Payload struct {
	EpisodeID     string   `json:"episodeId"`
	UserID        string   `json:"userId"`
	UserInterests []string `json:"userInterests"`
}

type clipCandidate struct {
	StartTime      float64 `json:"startTime"`
	EndTime        float64 `json:"endTime"`
	Transcript     string  `json:"transcript"`
	Summary        string  `json:"summary"`
	Reasoning      string  `json:"reasoning"`
	RelevanceScore float64 `json:"relevanceScore"`
}

type analysisResponse struct {
	Clips []clipCandidate `json:"clips"`
}

// Handler runs clip analysis for one episode per job.
type Handler struct {
	store  *store.Store
	llm    *llm.Service
	model  string
	logger *slog.Logger
}

// NewHandler wires the analysis stage from configuration.
func NewHandler(cfg *config.Config, st *store.Store, service *llm.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		store:  st,
		llm:    service,
		model:  cfg.LLM.Model,
		logger: logging.NewComponentLogger(logger, "analysis"),
	}
}

// Execute analyzes one transcribed episode.
func (h *Handler) Execute(ctx context.Context, job stage.Context) error {
	var payload Payload
	if err := json.Unmarshal(job.Data(), &payload); err != nil {
		return services.Wrap(services.ErrInvariant, "analysis", "decode payload", "payload is not valid JSON", err)
	}
	if payload.EpisodeID == "" {
		return services.Wrap(services.ErrInvariant, "analysis", "decode payload", "missing episode id", nil)
	}
	ctx = services.WithJobID(ctx, job.JobID())
	logger := h.logger.With(logging.String("episode_id", payload.EpisodeID))

	episode, err := h.store.GetEpisode(ctx, payload.EpisodeID)
	if err != nil {
		return err
	}
	switch episode.Status {
	case store.EpisodeAnalyzed:
		job.Log("episode already analyzed, nothing to do")
		return nil
	case store.EpisodeAnalyzing:
		return services.Wrap(services.ErrBusy, "analysis", "claim", "episode is being analyzed by another worker", nil)
	case store.EpisodeTranscribed:
	default:
		return services.Wrap(services.ErrInvariant, "analysis", "claim",
			fmt.Sprintf("episode is %s, analysis needs a transcript", episode.Status), nil)
	}

	claimed, err := h.store.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodeTranscribed}, store.EpisodeAnalyzing)
	if err != nil {
		return err
	}
	if !claimed {
		return services.Wrap(services.ErrBusy, "analysis", "claim", "episode claimed by another worker", nil)
	}

	if err := h.run(ctx, job, logger, episode, payload); err != nil {
		h.release(ctx, episode.ID, err, logger)
		return err
	}
	return nil
}

func (h *Handler) run(ctx context.Context, job stage.Context, logger *slog.Logger, episode *store.Episode, payload Payload) error {
	transcript, err := h.store.EpisodeTranscript(ctx, episode.ID)
	if err != nil {
		return err
	}

	job.Log("requesting clip analysis")
	content, err := h.llm.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(episode, transcript, payload.UserInterests),
		Temperature: analysisTemperature,
		MaxTokens:   analysisMaxTokens,
	})
	if err != nil {
		return err
	}

	var response analysisResponse
	if err := llm.DecodeJSON(content, &response); err != nil {
		return services.Wrap(services.ErrParse, "analysis", "decode response", "model returned unusable JSON", err)
	}

	clips := validateClips(response.Clips, transcript.Duration, logger)
	if len(clips) == 0 {
		return services.Wrap(services.ErrParse, "analysis", "validate clips", "model returned no usable clips", nil)
	}

	if _, err := h.store.ReplaceClips(ctx, episode.ID, clips); err != nil {
		return err
	}
	moved, err := h.store.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodeAnalyzing}, store.EpisodeAnalyzed)
	if err != nil {
		return err
	}
	if !moved {
		return services.Wrap(services.ErrBusy, "analysis", "transition", "episode left analyzing state unexpectedly", nil)
	}
	logger.Info("episode analyzed", logging.Args(logging.Int("clips", len(clips)))...)
	job.UpdateProgress(100)
	return nil
}

// validateClips drops candidates with inverted or out-of-range bounds and
// warns about clips outside the target length band without rejecting them.
func validateClips(candidates []clipCandidate, duration float64, logger *slog.Logger) []*store.Clip {
	clips := make([]*store.Clip, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.StartTime < 0 || candidate.EndTime <= candidate.StartTime {
			logger.Warn("dropping clip with inverted bounds",
				logging.Args(
					logging.Float64("start", candidate.StartTime),
					logging.Float64("end", candidate.EndTime),
				)...)
			continue
		}
		if duration > 0 && candidate.EndTime > duration+durationSlackSeconds {
			logger.Warn("dropping clip past episode end",
				logging.Args(
					logging.Float64("end", candidate.EndTime),
					logging.Float64("duration", duration),
				)...)
			continue
		}
		length := candidate.EndTime - candidate.StartTime
		if length < minClipSeconds || length > maxClipSeconds {
			logger.Warn("clip outside target length band",
				logging.Args(logging.Float64("seconds", length))...)
		}
		clips = append(clips, &store.Clip{
			StartTime:  candidate.StartTime,
			EndTime:    candidate.EndTime,
			Transcript: candidate.Transcript,
			Summary:    candidate.Summary,
			Reasoning:  candidate.Reasoning,
			Score:      candidate.RelevanceScore,
		})
	}
	return clips
}

// release puts the episode back for a later attempt or parks it in failed.
func (h *Handler) release(ctx context.Context, episodeID string, cause error, logger *slog.Logger) {
	active := []store.EpisodeStatus{store.EpisodeAnalyzing}
	if services.Retryable(cause) {
		if _, err := h.store.TransitionEpisode(ctx, episodeID, active, store.EpisodeTranscribed); err != nil {
			logger.Warn("release episode failed", logging.Args(logging.Error(err))...)
		}
		return
	}
	if err := h.store.FailEpisode(ctx, episodeID, cause.Error()); err != nil {
		logger.Warn("mark episode failed", logging.Args(logging.Error(err))...)
	}
}

// HealthCheck reports whether a completion provider is configured.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "analysis"
	if h.llm == nil {
		return stage.Unhealthy(name, "no completion provider configured")
	}
	return stage.Healthy(name)
}
