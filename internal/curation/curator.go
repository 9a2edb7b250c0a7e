// Package curation selects the clip lineup for one digest from the candidate
// pool produced by episode analysis. The model proposes a lineup; unknown ids
// are dropped and the selection is topped up by score when it comes back
// under the minimum.
package curation

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
	curationTemperature = 0.7
	curationMaxTokens   = 2000

	defaultTargetSeconds = 420
	defaultMinClips      = 6
	defaultMaxClips      = 8
)

// ClipCountRange bounds how many clips a digest may carry.
type ClipCountRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Payload is the curation queue message.
type Payload struct {
	DigestID              string          `json:"digestId"`
	UserID                string          `json:"userId"`
	EpisodeIDs            []string        `json:"episodeIds"`
	UserInterests         []string        `json:"userInterests"`
	TargetDurationSeconds float64         `json:"targetDuration,omitempty"`
	TargetClipCount       *ClipCountRange `json:"targetClipCount,omitempty"`
}

type curationResponse struct {
	SelectedClipIDs   []string `json:"selectedClipIds"`
	Reasoning         string   `json:"reasoning"`
	EstimatedDuration float64  `json:"estimatedDuration"`
	TopicCoverage     []string `json:"topicCoverage"`
}

// Handler curates one digest per job.
type Handler struct {
	store  *store.Store
	llm    *llm.Service
	logger *slog.Logger
}

// NewHandler wires the curation stage from configuration.
func NewHandler(cfg *config.Config, st *store.Store, service *llm.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		store:  st,
		llm:    service,
		logger: logging.NewComponentLogger(logger, "curation"),
	}
}

// Execute selects the clip lineup for one digest.
func (h *Handler) Execute(ctx context.Context, job stage.Context) error {
	var payload Payload
	if err := json.Unmarshal(job.Data(), &payload); err != nil {
		return services.Wrap(services.ErrInvariant, "curation", "decode payload", "payload is not valid JSON", err)
	}
	if payload.DigestID == "" {
		return services.Wrap(services.ErrInvariant, "curation", "decode payload", "missing digest id", nil)
	}
	ctx = services.WithJobID(ctx, job.JobID())
	logger := h.logger.With(logging.String("digest_id", payload.DigestID))

	digest, err := h.store.GetDigest(ctx, payload.DigestID)
	if err != nil {
		return err
	}
	if digest.Status != store.DigestCurating {
		// Re-delivered jobs land here after a crash between curation and
		// assembly; an existing lineup means the work is already done.
		existing, err := h.store.ListDigestClips(ctx, digest.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			job.Log("digest already curated, nothing to do")
			return nil
		}
		return services.Wrap(services.ErrInvariant, "curation", "claim",
			fmt.Sprintf("digest is %s with no clip lineup", digest.Status), nil)
	}

	if err := h.run(ctx, job, logger, digest, payload); err != nil {
		if !services.Retryable(err) {
			if failErr := h.store.FailDigest(ctx, digest.ID, err.Error()); failErr != nil {
				logger.Warn("mark digest failed", logging.Args(logging.Error(failErr))...)
			}
		}
		return err
	}
	return nil
}

func (h *Handler) run(ctx context.Context, job stage.Context, logger *slog.Logger, digest *store.Digest, payload Payload) error {
	episodeIDs := payload.EpisodeIDs
	if len(episodeIDs) == 0 {
		episodeIDs = digest.EpisodeIDs
	}
	candidates, err := h.store.ListClipCandidates(ctx, episodeIDs)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return services.Wrap(services.ErrInvariant, "curation", "candidates", "no analyzed clips to curate", nil)
	}

	targetSeconds, minClips, maxClips := h.targets(ctx, payload)
	byID := make(map[string]*store.Clip, len(candidates))
	for _, clip := range candidates {
		byID[clip.ID] = clip
	}

	job.Log(fmt.Sprintf("curating %d candidate clips", len(candidates)))
	content, err := h.llm.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(candidates, payload.UserInterests, targetSeconds, minClips, maxClips),
		Temperature: curationTemperature,
		MaxTokens:   curationMaxTokens,
	})
	if err != nil {
		return err
	}
	var response curationResponse
	if err := llm.DecodeJSON(content, &response); err != nil {
		return services.Wrap(services.ErrParse, "curation", "decode response", "model returned unusable JSON", err)
	}

	selected := make([]string, 0, len(response.SelectedClipIDs))
	seen := make(map[string]bool, len(response.SelectedClipIDs))
	for _, id := range response.SelectedClipIDs {
		if _, ok := byID[id]; !ok {
			logger.Warn("model selected unknown clip", logging.Args(logging.String("clip_id", id))...)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, id)
		if len(selected) == maxClips {
			break
		}
	}
	// Top up thin selections from the remaining pool, best score first. The
	// candidate order already is score-descending.
	for _, clip := range candidates {
		if len(selected) >= minClips || len(selected) == len(candidates) {
			break
		}
		if !seen[clip.ID] {
			seen[clip.ID] = true
			selected = append(selected, clip.ID)
		}
	}
	if len(selected) == 0 {
		return services.Wrap(services.ErrParse, "curation", "selection", "model selected no known clips", nil)
	}

	if err := h.store.SetDigestClips(ctx, digest.ID, selected); err != nil {
		return err
	}
	// Narration is written against this lineup; a script stored by a previous
	// run may reference clips that just fell out of it.
	if err := h.store.ClearDigestScript(ctx, digest.ID); err != nil {
		return err
	}
	moved, err := h.store.TransitionDigest(ctx, digest.ID,
		[]store.DigestStatus{store.DigestCurating}, store.DigestPending)
	if err != nil {
		return err
	}
	if !moved {
		return services.Wrap(services.ErrBusy, "curation", "transition", "digest left curating state unexpectedly", nil)
	}
	logger.Info("digest curated",
		logging.Args(
			logging.Int("clips", len(selected)),
			logging.Float64("estimated_duration", response.EstimatedDuration),
			logging.Int("topics", len(response.TopicCoverage)),
		)...)
	job.UpdateProgress(100)
	return nil
}

// targets resolves the lineup bounds: explicit payload values win, then the
// user's configured digest length, then the defaults.
func (h *Handler) targets(ctx context.Context, payload Payload) (float64, int, int) {
	targetSeconds := payload.TargetDurationSeconds
	if targetSeconds <= 0 {
		if user, err := h.store.GetUser(ctx, payload.UserID); err == nil && user.DigestMinutes > 0 {
			targetSeconds = float64(user.DigestMinutes * 60)
		}
	}
	if targetSeconds <= 0 {
		targetSeconds = defaultTargetSeconds
	}
	minClips, maxClips := defaultMinClips, defaultMaxClips
	if payload.TargetClipCount != nil {
		if payload.TargetClipCount.Min > 0 {
			minClips = payload.TargetClipCount.Min
		}
		if payload.TargetClipCount.Max >= minClips {
			maxClips = payload.TargetClipCount.Max
		} else {
			maxClips = minClips
		}
	}
	return targetSeconds, minClips, maxClips
}

// HealthCheck reports whether a completion provider is configured.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "curation"
	if h.llm == nil {
		return stage.Unhealthy(name, "no completion provider configured")
	}
	return stage.Healthy(name)
}
