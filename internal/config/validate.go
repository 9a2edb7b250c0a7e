package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSTT(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateTTS(); err != nil {
		return err
	}
	if err := c.validateAudio(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.TempRoot == "" {
		return errors.New("paths.temp_root must be set")
	}
	if c.Paths.DigestDir == "" {
		return errors.New("paths.digest_dir must be set")
	}
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	return nil
}

func (c *Config) validateSTT() error {
	switch c.STT.Mode {
	case "api", "local":
	default:
		return fmt.Errorf("stt.mode must be \"api\" or \"local\", got %q", c.STT.Mode)
	}
	if c.STT.MaxFileSizeBytes <= 0 {
		return errors.New("stt.max_file_size_bytes must be positive")
	}
	if c.STT.TargetChunkSizeBytes <= 0 || c.STT.TargetChunkSizeBytes > c.STT.MaxFileSizeBytes {
		return errors.New("stt.target_chunk_size_bytes must be positive and no larger than stt.max_file_size_bytes")
	}
	if c.STT.ChunkDurationSeconds <= 0 {
		return errors.New("stt.chunk_duration_seconds must be positive")
	}
	if c.STT.CompressedChunkDurationSeconds <= 0 {
		return errors.New("stt.compressed_chunk_duration_seconds must be positive")
	}
	if c.STT.OverlapSeconds < 0 || c.STT.OverlapSeconds >= c.STT.ChunkDurationSeconds {
		return errors.New("stt.overlap_seconds must be non-negative and smaller than the chunk duration")
	}
	if c.STT.Mode == "local" && c.STT.WhisperCommand == "" {
		return errors.New("stt.whisper_command is required in local mode")
	}
	return nil
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be \"anthropic\" or \"openai\", got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model must be set")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateTTS() error {
	switch c.TTS.Provider {
	case "openai", "mock":
	default:
		return fmt.Errorf("tts.provider must be \"openai\" or \"mock\", got %q", c.TTS.Provider)
	}
	if c.TTS.Speed != 0 && (c.TTS.Speed < 0.25 || c.TTS.Speed > 4.0) {
		return errors.New("tts.speed must be within [0.25, 4.0]")
	}
	return nil
}

func (c *Config) validateAudio() error {
	switch c.Audio.BitrateKbps {
	case 64, 96, 128:
	default:
		return fmt.Errorf("audio.bitrate_kbps must be one of 64, 96, 128, got %d", c.Audio.BitrateKbps)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.OrchestratorPollInterval <= 0 {
		return errors.New("workflow.orchestrator_poll_interval must be positive")
	}
	if c.Workflow.OrchestratorPollCeiling < c.Workflow.OrchestratorPollInterval {
		return errors.New("workflow.orchestrator_poll_ceiling must be at least the poll interval")
	}
	for queue, n := range c.Workflow.QueueConcurrency {
		if n < 0 {
			return fmt.Errorf("workflow.queue_concurrency[%s] must be non-negative", queue)
		}
	}
	return nil
}
