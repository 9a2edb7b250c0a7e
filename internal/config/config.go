package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	TempRoot   string `toml:"temp_root"`
	DigestDir  string `toml:"digest_dir"`
	LogDir     string `toml:"log_dir"`
	DataDir    string `toml:"data_dir"`
	PublicBase string `toml:"public_base"`
}

// STT contains speech-to-text settings including the chunking thresholds.
type STT struct {
	Mode                           string `toml:"mode"`
	Model                          string `toml:"model"`
	APIKey                         string `toml:"api_key"`
	BaseURL                        string `toml:"base_url"`
	MaxFileSizeBytes               int64  `toml:"max_file_size_bytes"`
	TargetChunkSizeBytes           int64  `toml:"target_chunk_size_bytes"`
	ChunkDurationSeconds           int    `toml:"chunk_duration_seconds"`
	CompressedChunkDurationSeconds int    `toml:"compressed_chunk_duration_seconds"`
	OverlapSeconds                 int    `toml:"overlap_seconds"`
	WhisperCommand                 string `toml:"whisper_command"`
}

// LLM contains chat-completion provider settings.
type LLM struct {
	Provider         string `toml:"provider"`
	Model            string `toml:"model"`
	FallbackToOpenAI bool   `toml:"fallback_to_openai"`
	AnthropicAPIKey  string `toml:"anthropic_api_key"`
	AnthropicBaseURL string `toml:"anthropic_base_url"`
	OpenAIAPIKey     string `toml:"openai_api_key"`
	OpenAIBaseURL    string `toml:"openai_base_url"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
}

// TTS contains text-to-speech settings.
type TTS struct {
	Provider string  `toml:"provider"`
	Voice    string  `toml:"voice"`
	Model    string  `toml:"model"`
	Speed    float64 `toml:"speed"`
}

// Audio contains media-binary settings for the audio toolkit.
type Audio struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	BitrateKbps   int    `toml:"bitrate_kbps"`
}

// Download contains episode download settings.
type Download struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
	Attempts       int    `toml:"attempts"`
}

// Workflow contains queue worker timing and orchestration limits.
type Workflow struct {
	QueuePollInterval        int            `toml:"queue_poll_interval"`
	ErrorRetryInterval       int            `toml:"error_retry_interval"`
	QueueConcurrency         map[string]int `toml:"queue_concurrency"`
	OrchestratorPollInterval int            `toml:"orchestrator_poll_interval"`
	OrchestratorPollCeiling  int            `toml:"orchestrator_poll_ceiling"`
	FeedRefreshSchedule      string         `toml:"feed_refresh_schedule"`
	DailyDigestSchedule      string         `toml:"daily_digest_schedule"`
	WeeklyDigestSchedule     string         `toml:"weekly_digest_schedule"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Sifter.
//
// Configuration sections by subsystem:
//   - Paths: temp root, digest output directory, database and log locations
//   - STT: transcription mode, model, and chunking thresholds
//   - LLM: chat-completion provider, model routing and fallback
//   - TTS: narration synthesis backend
//   - Audio: ffmpeg/ffprobe binaries and the canonical bitrate
//   - Download: episode fetch timeout, retries, and user agent
//   - Workflow: queue worker concurrency and orchestrator limits
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	STT      STT      `toml:"stt"`
	LLM      LLM      `toml:"llm"`
	TTS      TTS      `toml:"tts"`
	Audio    Audio    `toml:"audio"`
	Download Download `toml:"download"`
	Workflow Workflow `toml:"workflow"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sifter/config.toml")
}

// SampleConfig returns the embedded sample configuration document.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized, and provider secrets
// overlaid from the environment.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func (c *Config) applyEnvOverrides() {
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		if c.LLM.OpenAIAPIKey == "" {
			c.LLM.OpenAIAPIKey = key
		}
		if c.STT.APIKey == "" {
			c.STT.APIKey = key
		}
	}
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" && c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = key
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sifter.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.TempRoot, c.Paths.DigestDir, c.Paths.LogDir, c.Paths.DataDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location backing both the
// persistence layer and the queue substrate.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "sifter.db")
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.TempRoot, err = expandPath(c.Paths.TempRoot); err != nil {
		return fmt.Errorf("paths.temp_root: %w", err)
	}
	if c.Paths.DigestDir, err = expandPath(c.Paths.DigestDir); err != nil {
		return fmt.Errorf("paths.digest_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}

	c.STT.Mode = strings.ToLower(strings.TrimSpace(c.STT.Mode))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.TTS.Provider = strings.ToLower(strings.TrimSpace(c.TTS.Provider))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if c.Audio.FFmpegBinary == "" {
		c.Audio.FFmpegBinary = "ffmpeg"
	}
	if c.Audio.FFprobeBinary == "" {
		c.Audio.FFprobeBinary = "ffprobe"
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
