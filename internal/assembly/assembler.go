// Package assembly turns a curated digest into its final MP3: it writes the
// narrator script, synthesizes narration, slices every clip out of its source
// episode, and stitches narration and clips into one published file.
package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"sifter/internal/blobcache"
	"sifter/internal/config"
	"sifter/internal/fileutil"
	"sifter/internal/logging"
	"sifter/internal/media/audio"
	"sifter/internal/services"
	"sifter/internal/services/llm"
	"sifter/internal/services/tts"
	"sifter/internal/stage"
	"sifter/internal/store"
	"sifter/internal/transcription"
)

const clipFadeSeconds = 0.3

// TTSPaths points at previously synthesized narration so a re-run can skip
// the synthesis step. Every referenced file must exist.
type TTSPaths struct {
	Intro       string   `json:"intro"`
	Transitions []string `json:"transitions"`
	Outro       string   `json:"outro"`
}

// Payload is the digest-assembly queue message.
type Payload struct {
	DigestID             string    `json:"digestId"`
	UserID               string    `json:"userId"`
	ClipIDs              []string  `json:"clipIds"`
	PodcastID            string    `json:"podcastId,omitempty"`
	EpisodeIDs           []string  `json:"episodeIds"`
	SkipScriptGeneration bool      `json:"skipScriptGeneration,omitempty"`
	ExistingTTSPaths     *TTSPaths `json:"existingTTSPaths,omitempty"`
}

// Handler assembles one digest per job.
type Handler struct {
	store       *store.Store
	cache       *blobcache.Cache
	toolkit     *audio.Toolkit
	llm         *llm.Service
	synthesizer tts.Synthesizer
	downloader  *transcription.Downloader
	logger      *slog.Logger

	digestDir   string
	bitrateKbps int
}

// NewHandler wires the assembly stage from configuration.
func NewHandler(cfg *config.Config, st *store.Store, cache *blobcache.Cache, toolkit *audio.Toolkit, service *llm.Service, synthesizer tts.Synthesizer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		store:       st,
		cache:       cache,
		toolkit:     toolkit,
		llm:         service,
		synthesizer: synthesizer,
		downloader: transcription.NewDownloader(transcription.DownloaderConfig{
			UserAgent:      cfg.Download.UserAgent,
			Attempts:       cfg.Download.Attempts,
			TimeoutSeconds: cfg.Download.TimeoutSeconds,
		}),
		logger:      logging.NewComponentLogger(logger, "assembly"),
		digestDir:   cfg.Paths.DigestDir,
		bitrateKbps: cfg.Audio.BitrateKbps,
	}
}

// Execute assembles one digest end to end.
func (h *Handler) Execute(ctx context.Context, job stage.Context) error {
	var payload Payload
	if err := json.Unmarshal(job.Data(), &payload); err != nil {
		return services.Wrap(services.ErrInvariant, "assembly", "decode payload", "payload is not valid JSON", err)
	}
	if payload.DigestID == "" {
		return services.Wrap(services.ErrInvariant, "assembly", "decode payload", "missing digest id", nil)
	}
	ctx = services.WithJobID(ctx, job.JobID())
	logger := h.logger.With(logging.String("digest_id", payload.DigestID))

	digest, err := h.store.GetDigest(ctx, payload.DigestID)
	if err != nil {
		return err
	}
	switch digest.Status {
	case store.DigestReady:
		job.Log("digest already published, nothing to do")
		return nil
	case store.DigestPending:
	default:
		return services.Wrap(services.ErrBusy, "assembly", "claim",
			fmt.Sprintf("digest is %s", digest.Status), nil)
	}

	claimed, err := h.store.TransitionDigest(ctx, digest.ID,
		[]store.DigestStatus{store.DigestPending}, store.DigestGeneratingScript)
	if err != nil {
		return err
	}
	if !claimed {
		return services.Wrap(services.ErrBusy, "assembly", "claim", "digest claimed by another worker", nil)
	}

	if err := h.run(ctx, job, logger, digest, payload); err != nil {
		h.release(ctx, digest.ID, err, logger)
		return err
	}
	return nil
}

func (h *Handler) run(ctx context.Context, job stage.Context, logger *slog.Logger, digest *store.Digest, payload Payload) error {
	clips, err := h.lineup(ctx, digest, payload)
	if err != nil {
		return err
	}

	workDir, err := h.cache.DigestWorkDir(digest.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.cache.Cleanup(workDir); err != nil {
			logger.Warn("cleanup work dir failed", logging.Args(logging.Error(err))...)
		}
	}()

	user, err := h.store.GetUser(ctx, digest.UserID)
	if err != nil {
		return err
	}

	script, err := h.resolveScript(ctx, job, digest, user, clips, payload)
	if err != nil {
		return err
	}
	if len(script.Transitions) != len(clips)-1 {
		logger.Warn("transition count does not match lineup",
			logging.Args(
				logging.Int("transitions", len(script.Transitions)),
				logging.Int("clips", len(clips)),
			)...)
	}

	narration, err := h.resolveNarration(ctx, job, workDir, script, payload)
	if err != nil {
		return err
	}
	job.UpdateProgress(50)

	clipPaths, err := h.extractClips(ctx, job, logger, workDir, clips)
	if err != nil {
		return err
	}

	moved, err := h.store.TransitionDigest(ctx, digest.ID,
		[]store.DigestStatus{store.DigestGeneratingAudio}, store.DigestStitching)
	if err != nil {
		return err
	}
	if !moved {
		return services.Wrap(services.ErrBusy, "assembly", "transition", "digest left audio generation unexpectedly", nil)
	}

	sequence := buildSequence(narration, clipPaths)
	finalPath := filepath.Join(workDir, "final_digest.mp3")
	job.Log(fmt.Sprintf("stitching %d audio parts", len(sequence)))
	if err := h.toolkit.Concatenate(ctx, sequence, finalPath); err != nil {
		return err
	}

	if err := os.MkdirAll(h.digestDir, 0o755); err != nil {
		return fmt.Errorf("ensure digest dir: %w", err)
	}
	published := filepath.Join(h.digestDir, digest.ID+".mp3")
	if err := fileutil.CopyFileVerified(finalPath, published); err != nil {
		return fmt.Errorf("publish digest: %w", err)
	}

	size, err := fileutil.FileSize(published)
	if err != nil {
		return err
	}
	duration := estimateDuration(size, h.bitrateKbps)
	if err := h.store.PublishDigest(ctx, digest.ID, published, duration); err != nil {
		return err
	}
	logger.Info("digest published",
		logging.Args(
			logging.String("path", published),
			logging.Float64("duration_seconds", duration),
			logging.Int("clips", len(clips)),
		)...)
	job.UpdateProgress(100)
	return nil
}

// lineup loads the digest's ordered clips, preferring the explicit payload
// ids so a replayed job reproduces the exact selection it was enqueued with.
func (h *Handler) lineup(ctx context.Context, digest *store.Digest, payload Payload) ([]*store.Clip, error) {
	if len(payload.ClipIDs) > 0 {
		return h.store.ListClipsByIDs(ctx, payload.ClipIDs)
	}
	clips, err := h.store.ListDigestClips(ctx, digest.ID)
	if err != nil {
		return nil, err
	}
	if len(clips) == 0 {
		return nil, services.Wrap(services.ErrInvariant, "assembly", "lineup", "digest has no clip lineup", nil)
	}
	return clips, nil
}

// resolveScript generates the narrator script or, when the payload says so,
// reuses the one already stored on the digest.
func (h *Handler) resolveScript(ctx context.Context, job stage.Context, digest *store.Digest, user *store.User, clips []*store.Clip, payload Payload) (*store.NarratorScript, error) {
	if payload.SkipScriptGeneration {
		script, err := h.store.DigestScript(ctx, digest.ID)
		if err != nil {
			return nil, err
		}
		moved, err := h.store.TransitionDigest(ctx, digest.ID,
			[]store.DigestStatus{store.DigestGeneratingScript}, store.DigestGeneratingAudio)
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, services.Wrap(services.ErrBusy, "assembly", "transition", "digest left script generation unexpectedly", nil)
		}
		job.Log("reusing stored narrator script")
		return script, nil
	}

	job.Log("generating narrator script")
	script, err := h.generateScript(ctx, user, clips)
	if err != nil {
		return nil, err
	}
	// SetDigestScript advances the digest to generating_audio.
	if err := h.store.SetDigestScript(ctx, digest.ID, script); err != nil {
		return nil, err
	}
	return script, nil
}

// narrationFiles holds the synthesized narration in playback slots. Empty
// strings mean the slot has no audio.
type narrationFiles struct {
	Intro       string
	Transitions []string
	Outro       string
}

// resolveNarration synthesizes narrator audio into the work dir, or verifies
// and adopts previously synthesized files when the payload provides them.
func (h *Handler) resolveNarration(ctx context.Context, job stage.Context, workDir string, script *store.NarratorScript, payload Payload) (*narrationFiles, error) {
	if payload.ExistingTTSPaths != nil {
		return adoptNarration(payload.ExistingTTSPaths)
	}

	job.Log("synthesizing narration")
	narration := &narrationFiles{}
	intro := filepath.Join(workDir, "narrator_intro.mp3")
	if err := h.synthesizer.Synthesize(ctx, script.Intro, intro); err != nil {
		return nil, err
	}
	narration.Intro = intro

	for i, text := range script.Transitions {
		path := filepath.Join(workDir, fmt.Sprintf("narrator_transition_%d.mp3", i))
		if err := h.synthesizer.Synthesize(ctx, text, path); err != nil {
			return nil, err
		}
		narration.Transitions = append(narration.Transitions, path)
	}

	if script.Outro != "" {
		outro := filepath.Join(workDir, "narrator_outro.mp3")
		if err := h.synthesizer.Synthesize(ctx, script.Outro, outro); err != nil {
			return nil, err
		}
		narration.Outro = outro
	}
	return narration, nil
}

// adoptNarration validates externally supplied narration files. A missing
// file fails the job; silently assembling without narration would publish a
// broken digest.
func adoptNarration(paths *TTSPaths) (*narrationFiles, error) {
	check := func(path string) error {
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return services.Wrap(services.ErrInvariant, "assembly", "adopt narration",
				fmt.Sprintf("narration file missing: %s", path), err)
		}
		return nil
	}
	if err := check(paths.Intro); err != nil {
		return nil, err
	}
	for _, path := range paths.Transitions {
		if err := check(path); err != nil {
			return nil, err
		}
	}
	if err := check(paths.Outro); err != nil {
		return nil, err
	}
	return &narrationFiles{
		Intro:       paths.Intro,
		Transitions: paths.Transitions,
		Outro:       paths.Outro,
	}, nil
}

// extractClips downloads each clip's source episode, slices the clip window
// with short fades, and discards the episode audio immediately so a long
// lineup never holds more than one source file on disk.
func (h *Handler) extractClips(ctx context.Context, job stage.Context, logger *slog.Logger, workDir string, clips []*store.Clip) ([]string, error) {
	paths := make([]string, 0, len(clips))
	for i, clip := range clips {
		source := filepath.Join(workDir, fmt.Sprintf("source_%d.mp3", i))
		if err := h.downloader.Fetch(ctx, clip.AudioURL, source); err != nil {
			return nil, fmt.Errorf("download clip %d source: %w", i, err)
		}
		output := filepath.Join(workDir, fmt.Sprintf("clip_%d.mp3", i))
		err := h.toolkit.SliceClip(ctx, source, output, audio.SliceOptions{
			StartTime: clip.StartTime,
			EndTime:   clip.EndTime,
			FadeIn:    clipFadeSeconds,
			FadeOut:   clipFadeSeconds,
		})
		if removeErr := os.Remove(source); removeErr != nil {
			logger.Warn("discard episode source failed", logging.Args(logging.Error(removeErr))...)
		}
		if err != nil {
			return nil, fmt.Errorf("slice clip %d: %w", i, err)
		}
		paths = append(paths, output)
		job.UpdateProgress(50 + int(math.Ceil(float64(i+1)/float64(len(clips))*30)))
	}
	return paths, nil
}

// buildSequence interleaves narration and clips in playback order. When
// fewer transitions exist than gaps the remaining clips play back to back.
func buildSequence(narration *narrationFiles, clipPaths []string) []string {
	sequence := make([]string, 0, len(clipPaths)*2+2)
	if narration.Intro != "" {
		sequence = append(sequence, narration.Intro)
	}
	for i, clip := range clipPaths {
		sequence = append(sequence, clip)
		if i < len(clipPaths)-1 && i < len(narration.Transitions) {
			if narration.Transitions[i] != "" {
				sequence = append(sequence, narration.Transitions[i])
			}
		}
	}
	if narration.Outro != "" {
		sequence = append(sequence, narration.Outro)
	}
	return sequence
}

// estimateDuration derives playback length from file size at the canonical
// constant bitrate, avoiding a probe dependency on the publish path.
func estimateDuration(sizeBytes int64, bitrateKbps int) float64 {
	if bitrateKbps <= 0 {
		bitrateKbps = 128
	}
	bytesPerSecond := float64(bitrateKbps) * 1024 / 8
	return float64(sizeBytes) / bytesPerSecond
}

// release puts the digest back for a later attempt or parks it in failed.
func (h *Handler) release(ctx context.Context, digestID string, cause error, logger *slog.Logger) {
	active := []store.DigestStatus{
		store.DigestGeneratingScript,
		store.DigestGeneratingAudio,
		store.DigestStitching,
	}
	if services.Retryable(cause) {
		if _, err := h.store.TransitionDigest(ctx, digestID, active, store.DigestPending); err != nil {
			logger.Warn("release digest failed", logging.Args(logging.Error(err))...)
		}
		return
	}
	if err := h.store.FailDigest(ctx, digestID, cause.Error()); err != nil {
		logger.Warn("mark digest failed", logging.Args(logging.Error(err))...)
	}
}

// HealthCheck reports whether the media toolkit and narration backend are usable.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "assembly"
	if !h.toolkit.Available() {
		return stage.Unhealthy(name, "ffmpeg or ffprobe not found in PATH")
	}
	if h.synthesizer == nil {
		return stage.Unhealthy(name, "no narration synthesizer configured")
	}
	return stage.Healthy(name)
}
