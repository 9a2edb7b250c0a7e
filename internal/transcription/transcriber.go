// Package transcription turns a podcast episode's enclosure audio into a
// timestamped transcript. Large files are compressed and, when still over the
// provider's upload ceiling, sliced into overlapping windows that are
// transcribed sequentially and merged back onto the episode timeline.
package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"sifter/internal/blobcache"
	"sifter/internal/config"
	"sifter/internal/fileutil"
	"sifter/internal/logging"
	"sifter/internal/media/audio"
	"sifter/internal/services"
	"sifter/internal/services/stt"
	"sifter/internal/stage"
	"sifter/internal/store"
)

// Payload is the transcription queue message.
type Payload struct {
	EpisodeID string `json:"episodeId"`
	AudioURL  string `json:"audioUrl"`
}

// Handler downloads and transcribes one episode per job.
type Handler struct {
	store       *store.Store
	cache       *blobcache.Cache
	toolkit     *audio.Toolkit
	transcriber stt.Transcriber
	downloader  *Downloader
	logger      *slog.Logger

	maxFileSizeBytes       int64
	chunkSeconds           int
	compressedChunkSeconds int
	overlapSeconds         int
}

// NewHandler wires the transcription stage from configuration.
func NewHandler(cfg *config.Config, st *store.Store, cache *blobcache.Cache, toolkit *audio.Toolkit, transcriber stt.Transcriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	chunkSeconds := cfg.STT.ChunkDurationSeconds
	if chunkSeconds <= 0 {
		chunkSeconds = defaultChunkSeconds
	}
	compressedChunkSeconds := cfg.STT.CompressedChunkDurationSeconds
	if compressedChunkSeconds <= 0 {
		compressedChunkSeconds = chunkSeconds
	}
	overlapSeconds := cfg.STT.OverlapSeconds
	if overlapSeconds <= 0 {
		overlapSeconds = defaultOverlapSeconds
	}
	return &Handler{
		store:       st,
		cache:       cache,
		toolkit:     toolkit,
		transcriber: transcriber,
		downloader: NewDownloader(DownloaderConfig{
			UserAgent:      cfg.Download.UserAgent,
			Attempts:       cfg.Download.Attempts,
			TimeoutSeconds: cfg.Download.TimeoutSeconds,
		}),
		logger:                 logging.NewComponentLogger(logger, "transcription"),
		maxFileSizeBytes:       cfg.STT.MaxFileSizeBytes,
		chunkSeconds:           chunkSeconds,
		compressedChunkSeconds: compressedChunkSeconds,
		overlapSeconds:         overlapSeconds,
	}
}

// Execute runs one transcription job end to end.
func (h *Handler) Execute(ctx context.Context, job stage.Context) error {
	var payload Payload
	if err := json.Unmarshal(job.Data(), &payload); err != nil {
		return services.Wrap(services.ErrInvariant, "transcription", "decode payload", "payload is not valid JSON", err)
	}
	if payload.EpisodeID == "" {
		return services.Wrap(services.ErrInvariant, "transcription", "decode payload", "missing episode id", nil)
	}
	ctx = services.WithJobID(ctx, job.JobID())
	logger := h.logger.With(logging.String("episode_id", payload.EpisodeID))

	episode, err := h.store.GetEpisode(ctx, payload.EpisodeID)
	if err != nil {
		return err
	}
	switch episode.Status {
	case store.EpisodeTranscribed, store.EpisodeAnalyzing, store.EpisodeAnalyzed:
		job.Log("episode already transcribed, nothing to do")
		return nil
	case store.EpisodeDownloading, store.EpisodeTranscribing:
		return services.Wrap(services.ErrBusy, "transcription", "claim",
			fmt.Sprintf("episode is %s in another worker", episode.Status), nil)
	}
	if episode.TranscriptJSON != "" {
		// A stored transcript makes the work a no-op even when the status was
		// reset by hand; restore it so analysis can pick the episode up.
		if _, err := h.store.TransitionEpisode(ctx, episode.ID,
			[]store.EpisodeStatus{store.EpisodePending, store.EpisodeFailed}, store.EpisodeTranscribed); err != nil {
			return err
		}
		job.Log("episode already has a transcript, nothing to do")
		return nil
	}

	claimed, err := h.store.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodePending, store.EpisodeFailed}, store.EpisodeDownloading)
	if err != nil {
		return err
	}
	if !claimed {
		return services.Wrap(services.ErrBusy, "transcription", "claim", "episode claimed by another worker", nil)
	}

	if err := h.run(ctx, job, logger, episode, payload); err != nil {
		h.release(ctx, episode.ID, err, logger)
		return err
	}
	return nil
}

func (h *Handler) run(ctx context.Context, job stage.Context, logger *slog.Logger, episode *store.Episode, payload Payload) error {
	audioURL := payload.AudioURL
	if audioURL == "" {
		audioURL = episode.AudioURL
	}

	downloadPath, err := h.cache.EpisodeTemp(episode.ID, audioExtension(audioURL))
	if err != nil {
		return err
	}
	chunkDir, err := h.cache.ChunkDir(episode.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.cache.Cleanup(downloadPath); err != nil {
			logger.Warn("cleanup download failed", logging.Args(logging.Error(err))...)
		}
		if err := h.cache.Cleanup(chunkDir); err != nil {
			logger.Warn("cleanup chunks failed", logging.Args(logging.Error(err))...)
		}
	}()

	job.Log("downloading episode audio")
	if err := h.downloader.Fetch(ctx, audioURL, downloadPath); err != nil {
		return err
	}

	moved, err := h.store.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodeDownloading}, store.EpisodeTranscribing)
	if err != nil {
		return err
	}
	if !moved {
		return services.Wrap(services.ErrBusy, "transcription", "transition", "episode left downloading state unexpectedly", nil)
	}

	source, chunkWindow, err := h.prepareSource(ctx, job, logger, downloadPath, chunkDir)
	if err != nil {
		return err
	}

	transcript, err := h.transcribe(ctx, job, logger, source, chunkDir, chunkWindow)
	if err != nil {
		return err
	}
	if transcript.Text == "" && len(transcript.Segments) == 0 {
		return services.Wrap(services.ErrParse, "transcription", "merge", "transcription produced no text", nil)
	}

	if err := h.store.SetEpisodeTranscript(ctx, episode.ID, transcript); err != nil {
		return err
	}
	logger.Info("episode transcribed",
		logging.Args(
			logging.Float64("duration_seconds", transcript.Duration),
			logging.Int("segments", len(transcript.Segments)),
			logging.String("language", transcript.Language),
		)...)
	return nil
}

// prepareSource decides what file gets transcribed. Files over the provider
// ceiling get a 64 kbps compression pass; when even that is too large the
// compressed copy is chunked with the tighter compressed-window length.
// A zero window means the source fits in one request.
func (h *Handler) prepareSource(ctx context.Context, job stage.Context, logger *slog.Logger, downloadPath, chunkDir string) (string, float64, error) {
	size, err := fileutil.FileSize(downloadPath)
	if err != nil {
		return "", 0, err
	}
	if h.maxFileSizeBytes <= 0 || size <= h.maxFileSizeBytes {
		return downloadPath, 0, nil
	}

	job.Log(fmt.Sprintf("audio is %d bytes, compressing to %dkbps", size, compressedBitrateKbps))
	compressed := filepath.Join(chunkDir, "compressed.mp3")
	if err := h.toolkit.Compress(ctx, downloadPath, compressed, compressedBitrateKbps); err != nil {
		return "", 0, err
	}
	compressedSize, err := fileutil.FileSize(compressed)
	if err != nil {
		return "", 0, err
	}
	if compressedSize <= h.maxFileSizeBytes {
		logger.Debug("compression pass sufficient",
			logging.Args(logging.Int64("bytes", compressedSize))...)
		return compressed, 0, nil
	}
	return compressed, float64(h.compressedChunkSeconds), nil
}

func (h *Handler) transcribe(ctx context.Context, job stage.Context, logger *slog.Logger, source, chunkDir string, chunkWindow float64) (*store.Transcript, error) {
	if chunkWindow <= 0 {
		result, err := h.transcriber.Transcribe(ctx, source, stt.Options{})
		if err != nil {
			return nil, err
		}
		job.UpdateProgress(100)
		return mergeChunks([]chunkResult{{Result: result}}), nil
	}

	info, err := h.toolkit.Probe(ctx, source)
	if err != nil {
		return nil, err
	}
	plans, err := planChunks(info.Duration, chunkWindow, float64(h.overlapSeconds), chunkDir)
	if err != nil {
		return nil, err
	}
	job.Log(fmt.Sprintf("splitting %.0fs of audio into %d overlapping chunks", info.Duration, len(plans)))
	if err := extractChunks(ctx, h.toolkit, source, plans); err != nil {
		return nil, err
	}

	// The first chunk detects the language; later chunks are pinned to it so
	// quiet or musical windows cannot flip the transcript mid-episode.
	opts := stt.Options{}
	results := make([]chunkResult, 0, len(plans))
	for i, plan := range plans {
		result, err := h.transcriber.Transcribe(ctx, plan.Path, opts)
		if err != nil {
			return nil, fmt.Errorf("transcribe chunk %d: %w", plan.Index, err)
		}
		if opts.Language == "" && result.Language != "" {
			opts.Language = result.Language
		}
		results = append(results, chunkResult{Start: plan.Start, Window: plan.Window, Result: result})
		job.UpdateProgress(int(math.Ceil(float64(i+1) / float64(len(plans)) * 100)))
	}
	logger.Debug("chunk transcription complete", logging.Args(logging.Int("chunks", len(results)))...)
	return mergeChunks(results), nil
}

// release puts the episode back where a later attempt can pick it up, or
// parks it in failed for errors no retry will fix.
func (h *Handler) release(ctx context.Context, episodeID string, cause error, logger *slog.Logger) {
	active := []store.EpisodeStatus{store.EpisodeDownloading, store.EpisodeTranscribing}
	if services.Retryable(cause) {
		if _, err := h.store.TransitionEpisode(ctx, episodeID, active, store.EpisodePending); err != nil {
			logger.Warn("release episode failed", logging.Args(logging.Error(err))...)
		}
		return
	}
	if err := h.store.FailEpisode(ctx, episodeID, cause.Error()); err != nil {
		logger.Warn("mark episode failed", logging.Args(logging.Error(err))...)
	}
}

// HealthCheck reports whether the media toolkit and transcriber are usable.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	const name = "transcription"
	if !h.toolkit.Available() {
		return stage.Unhealthy(name, "ffmpeg or ffprobe not found in PATH")
	}
	if checker, ok := h.transcriber.(interface{ Available() bool }); ok && !checker.Available() {
		return stage.Unhealthy(name, "transcriber command not found in PATH")
	}
	return stage.Healthy(name)
}
