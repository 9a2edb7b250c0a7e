package config

const (
	defaultTempRoot   = "/tmp/sifter/work"
	defaultDigestDir  = "/tmp/sifter/digests"
	defaultLogDir     = "~/.local/share/sifter/logs"
	defaultDataDir    = "~/.local/share/sifter"
	defaultPublicBase = "/audio/digests"

	defaultSTTMode              = "api"
	defaultSTTModel             = "whisper-1"
	defaultWhisperCommand       = "whisper-transcribe"
	defaultSTTMaxFileSize       = 25 * 1024 * 1024
	defaultTargetChunkSize      = 22 * 1024 * 1024
	defaultChunkDuration        = 1200
	defaultCompressedChunkDur   = 1500
	defaultOverlapSeconds       = 2
	defaultLLMProvider          = "anthropic"
	defaultLLMModel             = "claude-sonnet"
	defaultAnthropicBaseURL     = "https://api.anthropic.com/v1"
	defaultLLMTimeoutSeconds    = 120
	defaultTTSProvider          = "openai"
	defaultTTSVoice             = "nova"
	defaultTTSModel             = "tts-1"
	defaultTTSSpeed             = 1.0
	defaultBitrateKbps          = 128
	defaultDownloadTimeout      = 1800
	defaultDownloadUserAgent    = "Sifter/1.0 (podcast digest service)"
	defaultDownloadAttempts     = 3
	defaultQueuePollInterval    = 2
	defaultErrorRetryInterval   = 10
	defaultOrchPollInterval     = 5
	defaultOrchPollCeiling      = 1200
	defaultFeedRefreshSchedule  = "0 */2 * * *"
	defaultDailyDigestSchedule  = "0 6 * * *"
	defaultWeeklyDigestSchedule = "0 6 * * 1"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			TempRoot:   defaultTempRoot,
			DigestDir:  defaultDigestDir,
			LogDir:     defaultLogDir,
			DataDir:    defaultDataDir,
			PublicBase: defaultPublicBase,
		},
		STT: STT{
			Mode:                           defaultSTTMode,
			Model:                          defaultSTTModel,
			MaxFileSizeBytes:               defaultSTTMaxFileSize,
			TargetChunkSizeBytes:           defaultTargetChunkSize,
			ChunkDurationSeconds:           defaultChunkDuration,
			CompressedChunkDurationSeconds: defaultCompressedChunkDur,
			OverlapSeconds:                 defaultOverlapSeconds,
			WhisperCommand:                 defaultWhisperCommand,
		},
		LLM: LLM{
			Provider:         defaultLLMProvider,
			Model:            defaultLLMModel,
			FallbackToOpenAI: true,
			AnthropicBaseURL: defaultAnthropicBaseURL,
			TimeoutSeconds:   defaultLLMTimeoutSeconds,
		},
		TTS: TTS{
			Provider: defaultTTSProvider,
			Voice:    defaultTTSVoice,
			Model:    defaultTTSModel,
			Speed:    defaultTTSSpeed,
		},
		Audio: Audio{
			FFmpegBinary:  "ffmpeg",
			FFprobeBinary: "ffprobe",
			BitrateKbps:   defaultBitrateKbps,
		},
		Download: Download{
			TimeoutSeconds: defaultDownloadTimeout,
			UserAgent:      defaultDownloadUserAgent,
			Attempts:       defaultDownloadAttempts,
		},
		Workflow: Workflow{
			QueuePollInterval:        defaultQueuePollInterval,
			ErrorRetryInterval:       defaultErrorRetryInterval,
			QueueConcurrency:         map[string]int{},
			OrchestratorPollInterval: defaultOrchPollInterval,
			OrchestratorPollCeiling:  defaultOrchPollCeiling,
			FeedRefreshSchedule:      defaultFeedRefreshSchedule,
			DailyDigestSchedule:      defaultDailyDigestSchedule,
			WeeklyDigestSchedule:     defaultWeeklyDigestSchedule,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
