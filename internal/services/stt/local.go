package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"sifter/internal/services"
)

// LocalConfig captures the runtime settings for the local whisper command.
type LocalConfig struct {
	// Command is the whisper wrapper binary. It takes the audio path plus
	// --model/--language flags and prints a JSON transcript on stdout.
	Command string
	// Model is the whisper model size (tiny, base, small, medium, large).
	Model string
}

// CommandRunner executes the whisper command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// LocalTranscriber shells out to a whisper wrapper on the host.
type LocalTranscriber struct {
	command string
	model   string
	runner  CommandRunner
}

// LocalOption customizes the local backend.
type LocalOption func(*LocalTranscriber)

// WithCommandRunner overrides subprocess execution (used in tests).
func WithCommandRunner(runner CommandRunner) LocalOption {
	return func(t *LocalTranscriber) {
		if runner != nil {
			t.runner = runner
		}
	}
}

// NewLocalTranscriber constructs the local backend.
func NewLocalTranscriber(cfg LocalConfig, opts ...LocalOption) *LocalTranscriber {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = "whisper-transcribe"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "base"
	}
	t := &LocalTranscriber{command: command, model: model}
	for _, opt := range opts {
		opt(t)
	}
	if t.runner == nil {
		t.runner = runLocalCommand
	}
	return t
}

func runLocalCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, services.Wrap(services.ErrUnavailable, "stt", "run whisper", detail, err)
	}
	return stdout.Bytes(), nil
}

// Name identifies the backend in logs and health output.
func (t *LocalTranscriber) Name() string { return "local" }

// Available reports whether the whisper command resolves on PATH.
func (t *LocalTranscriber) Available() bool {
	_, err := exec.LookPath(t.command)
	return err == nil
}

// Transcribe runs the whisper command and decodes its JSON output.
func (t *LocalTranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, services.Wrap(services.ErrInvariant, "stt", "transcribe", "audio path required", nil)
	}

	args := []string{audioPath, "--model", t.model, "--output", "json"}
	if language := strings.TrimSpace(opts.Language); language != "" {
		args = append(args, "--language", language)
	}

	output, err := t.runner(ctx, t.command, args...)
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, services.Wrap(services.ErrParse, "stt", "transcribe", "whisper output is not valid JSON", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	for i := range result.Segments {
		result.Segments[i].Text = strings.TrimSpace(result.Segments[i].Text)
	}
	return &result, nil
}
