// Package orchestrator drives one complete digest run for one user: it fans
// episode work out to the transcription and analysis queues, waits for the
// window's episodes to settle, then curates and assembles the digest inline
// so a single job owns the whole outcome.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"sifter/internal/analysis"
	"sifter/internal/assembly"
	"sifter/internal/config"
	"sifter/internal/curation"
	"sifter/internal/logging"
	"sifter/internal/queue"
	"sifter/internal/services"
	"sifter/internal/stage"
	"sifter/internal/store"
	"sifter/internal/transcription"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollCeiling  = 20 * time.Minute

	transcriptionAttempts = 3
	transcriptionBackoff  = 5 * time.Second
)

// Payload is the orchestrator queue message.
type Payload struct {
	UserID    string             `json:"userId"`
	Frequency store.DigestPeriod `json:"frequency"`
}

// Result summarizes a finished digest run.
type Result struct {
	DigestID     string  `json:"digestId"`
	AudioURL     string  `json:"audioUrl"`
	Duration     float64 `json:"duration"`
	EpisodeCount int     `json:"episodeCount"`
	ClipCount    int     `json:"clipCount"`
}

// Handler runs one digest orchestration per job.
type Handler struct {
	store    *store.Store
	queue    *queue.Store
	curation *curation.Handler
	assembly *assembly.Handler
	logger   *slog.Logger

	pollInterval time.Duration
	pollCeiling  time.Duration
	sleep        func(context.Context, time.Duration) error
}

// NewHandler wires the orchestrator from configuration and the inline stages
// it drives after the fan-out settles.
func NewHandler(cfg *config.Config, st *store.Store, qs *queue.Store, curationHandler *curation.Handler, assemblyHandler *assembly.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	pollInterval := defaultPollInterval
	if cfg.Workflow.OrchestratorPollInterval > 0 {
		pollInterval = time.Duration(cfg.Workflow.OrchestratorPollInterval) * time.Second
	}
	pollCeiling := defaultPollCeiling
	if cfg.Workflow.OrchestratorPollCeiling > 0 {
		pollCeiling = time.Duration(cfg.Workflow.OrchestratorPollCeiling) * time.Second
	}
	return &Handler{
		store:        st,
		queue:        qs,
		curation:     curationHandler,
		assembly:     assemblyHandler,
		logger:       logging.NewComponentLogger(logger, "orchestrator"),
		pollInterval: pollInterval,
		pollCeiling:  pollCeiling,
		sleep:        sleepContext,
	}
}

// Execute runs a full digest cycle for one user.
func (h *Handler) Execute(ctx context.Context, job stage.Context) error {
	var payload Payload
	if err := json.Unmarshal(job.Data(), &payload); err != nil {
		return services.Wrap(services.ErrInvariant, "orchestrator", "decode payload", "payload is not valid JSON", err)
	}
	if payload.UserID == "" {
		return services.Wrap(services.ErrInvariant, "orchestrator", "decode payload", "missing user id", nil)
	}
	if !payload.Frequency.Valid() {
		return services.Wrap(services.ErrInvariant, "orchestrator", "decode payload",
			fmt.Sprintf("unknown frequency %q", payload.Frequency), nil)
	}
	ctx = services.WithJobID(ctx, job.JobID())

	result, err := h.Run(ctx, job, payload)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	summary, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		job.Log(string(summary))
	}
	return nil
}

// Run is the orchestration loop. A nil result with a nil error means the
// window held no episodes and no digest was created.
func (h *Handler) Run(ctx context.Context, job stage.Context, payload Payload) (*Result, error) {
	user, err := h.store.GetUser(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}
	logger := h.logger.With(
		logging.String("user_id", user.ID),
		logging.String("frequency", string(payload.Frequency)),
	)
	since := time.Now().Add(-payload.Frequency.Window())

	// Give episodes that failed transiently in this window another shot.
	reset, err := h.store.ResetFailedEpisodes(ctx, since)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		logger.Info("reset failed episodes for retry", logging.Args(logging.Int64("count", reset))...)
	}

	episodes, err := h.store.ListEpisodesForUserSince(ctx, user.ID, since)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		job.Log("no episodes in window, skipping digest")
		logger.Info("no episodes in window")
		return nil, nil
	}
	job.Log(fmt.Sprintf("processing %d episodes", len(episodes)))

	if err := h.fanOut(ctx, user, episodes); err != nil {
		return nil, err
	}

	analyzed, err := h.waitForEpisodes(ctx, job, logger, user, since, len(episodes))
	if err != nil {
		return nil, err
	}
	if len(analyzed) == 0 {
		return nil, services.Wrap(services.ErrUnavailable, "orchestrator", "wait",
			"no episodes finished analysis", nil)
	}

	digest, err := h.store.CreateDigest(ctx, user.ID, payload.Frequency, analyzed)
	if err != nil {
		return nil, err
	}
	logger = logger.With(logging.String("digest_id", digest.ID))

	if err := h.runInline(ctx, job, digest, user, analyzed); err != nil {
		// The inline stages have no queue row of their own, so nothing ever
		// re-delivers them; a digest left in a non-terminal state here would
		// be stranded.
		if failErr := h.store.FailDigest(context.WithoutCancel(ctx), digest.ID, err.Error()); failErr != nil {
			logger.Warn("mark digest failed", logging.Args(logging.Error(failErr))...)
		}
		return nil, err
	}

	published, err := h.store.GetDigest(ctx, digest.ID)
	if err != nil {
		return nil, err
	}
	clips, err := h.store.ListDigestClips(ctx, digest.ID)
	if err != nil {
		return nil, err
	}
	result := &Result{
		DigestID:     published.ID,
		AudioURL:     published.AudioPath,
		Duration:     published.DurationSeconds,
		EpisodeCount: len(analyzed),
		ClipCount:    len(clips),
	}
	logger.Info("digest run complete",
		logging.Args(
			logging.Int("episodes", result.EpisodeCount),
			logging.Int("clips", result.ClipCount),
			logging.Float64("duration_seconds", result.Duration),
		)...)
	return result, nil
}

// fanOut enqueues transcription for raw episodes and analysis for episodes
// that already carry a transcript. Deduplicated job ids make re-runs cheap.
func (h *Handler) fanOut(ctx context.Context, user *store.User, episodes []*store.Episode) error {
	for _, episode := range episodes {
		switch episode.Status {
		case store.EpisodePending, store.EpisodeDownloading, store.EpisodeTranscribing:
			if err := h.enqueueTranscription(ctx, episode); err != nil {
				return err
			}
		case store.EpisodeTranscribed:
			if err := h.enqueueAnalysis(ctx, user, episode.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) enqueueTranscription(ctx context.Context, episode *store.Episode) error {
	_, _, err := h.queue.Add(ctx, queue.QueueTranscription, "transcribe episode",
		transcription.Payload{EpisodeID: episode.ID, AudioURL: episode.AudioURL},
		queue.AddOptions{
			JobID:    "transcription-" + episode.ID,
			Attempts: transcriptionAttempts,
			Backoff:  transcriptionBackoff,
		})
	if err != nil {
		return fmt.Errorf("enqueue transcription: %w", err)
	}
	return nil
}

func (h *Handler) enqueueAnalysis(ctx context.Context, user *store.User, episodeID string) error {
	_, _, err := h.queue.Add(ctx, queue.QueueAnalysis, "analyze episode",
		analysis.Payload{EpisodeID: episodeID, UserID: user.ID, UserInterests: user.Interests},
		queue.AddOptions{JobID: "analysis-" + episodeID + "-" + user.ID})
	if err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	return nil
}

// waitForEpisodes polls the window's status counts until nothing is in
// flight or the ceiling passes, feeding newly transcribed episodes into the
// analysis queue as they appear. It returns the analyzed episode ids.
func (h *Handler) waitForEpisodes(ctx context.Context, job stage.Context, logger *slog.Logger, user *store.User, since time.Time, total int) ([]string, error) {
	deadline := time.Now().Add(h.pollCeiling)
	for {
		episodes, err := h.store.ListEpisodesForUserSince(ctx, user.ID, since)
		if err != nil {
			return nil, err
		}
		var analyzed []string
		processing := 0
		settled := 0
		for _, episode := range episodes {
			switch episode.Status {
			case store.EpisodeAnalyzed:
				analyzed = append(analyzed, episode.ID)
				settled++
			case store.EpisodeFailed:
				settled++
			case store.EpisodeTranscribed:
				processing++
				if err := h.enqueueAnalysis(ctx, user, episode.ID); err != nil {
					return nil, err
				}
			default:
				processing++
			}
		}
		job.UpdateProgress(int(math.Ceil(float64(settled) / float64(total) * 50)))

		if processing == 0 {
			return analyzed, nil
		}
		if time.Now().After(deadline) {
			logger.Warn("episode processing timed out, proceeding with analyzed episodes",
				logging.Args(
					logging.Int("analyzed", len(analyzed)),
					logging.Int("in_flight", processing),
				)...)
			return analyzed, nil
		}
		if err := h.sleep(ctx, h.pollInterval); err != nil {
			return nil, err
		}
	}
}

// runInline executes curation and assembly in-process through synthetic
// jobs. The digest pipeline stays observable through digest statuses even
// though no queue rows exist for these two stages.
func (h *Handler) runInline(ctx context.Context, job stage.Context, digest *store.Digest, user *store.User, episodeIDs []string) error {
	curationPayload, err := json.Marshal(curation.Payload{
		DigestID:      digest.ID,
		UserID:        user.ID,
		EpisodeIDs:    episodeIDs,
		UserInterests: user.Interests,
	})
	if err != nil {
		return fmt.Errorf("marshal curation payload: %w", err)
	}
	if err := h.curation.Execute(ctx, newInlineJob("curation-"+digest.ID, curationPayload, job)); err != nil {
		return fmt.Errorf("inline curation: %w", err)
	}

	assemblyPayload, err := json.Marshal(assembly.Payload{
		DigestID:   digest.ID,
		UserID:     user.ID,
		EpisodeIDs: episodeIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal assembly payload: %w", err)
	}
	if err := h.assembly.Execute(ctx, newInlineJob("digest-"+digest.ID, assemblyPayload, job)); err != nil {
		return fmt.Errorf("inline assembly: %w", err)
	}
	return nil
}

// inlineJob adapts a stage invocation that has no queue row of its own. Logs
// pass through to the parent job; progress is dropped because the parent owns
// its own progress scale.
type inlineJob struct {
	id     string
	data   []byte
	parent stage.Context
}

func newInlineJob(id string, data []byte, parent stage.Context) *inlineJob {
	return &inlineJob{id: id, data: data, parent: parent}
}

func (j *inlineJob) JobID() string { return j.id }
func (j *inlineJob) Data() []byte  { return j.data }

func (j *inlineJob) Log(line string) {
	if j.parent != nil {
		j.parent.Log(line)
	}
}

func (j *inlineJob) UpdateProgress(int) {}

// HealthCheck aggregates the inline stages it drives.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "orchestrator"
	if health := h.curation.HealthCheck(ctx); !health.Ready {
		return stage.Unhealthy(name, health.Detail)
	}
	if health := h.assembly.HealthCheck(ctx); !health.Ready {
		return stage.Unhealthy(name, health.Detail)
	}
	return stage.Healthy(name)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
