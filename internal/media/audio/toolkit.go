// Package audio wraps the ffmpeg and ffprobe binaries behind a typed toolkit.
// Every encode targets the canonical digest format (MP3, 44.1 kHz, stereo)
// so concatenation stays lossless at the container level.
package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"sifter/internal/fileutil"
)

// Runner executes an external binary and returns its combined output.
// Overridable for tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Toolkit is a stateless wrapper around ffmpeg/ffprobe invocations.
type Toolkit struct {
	ffmpeg      string
	ffprobe     string
	bitrateKbps int
	runner      Runner
}

// Option customizes toolkit construction.
type Option func(*Toolkit)

// WithRunner overrides subprocess execution (used in tests).
func WithRunner(runner Runner) Option {
	return func(t *Toolkit) {
		if runner != nil {
			t.runner = runner
		}
	}
}

// New constructs a toolkit using the given binaries and canonical bitrate.
func New(ffmpegBinary, ffprobeBinary string, bitrateKbps int, opts ...Option) *Toolkit {
	if strings.TrimSpace(ffmpegBinary) == "" {
		ffmpegBinary = "ffmpeg"
	}
	if strings.TrimSpace(ffprobeBinary) == "" {
		ffprobeBinary = "ffprobe"
	}
	if bitrateKbps <= 0 {
		bitrateKbps = 128
	}
	t := &Toolkit{
		ffmpeg:      ffmpegBinary,
		ffprobe:     ffprobeBinary,
		bitrateKbps: bitrateKbps,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.runner == nil {
		t.runner = defaultRunner
	}
	return t
}

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

func (t *Toolkit) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return t.runner(ctx, name, args...)
}

// Available reports whether both binaries resolve on PATH (or as given paths).
func (t *Toolkit) Available() bool {
	for _, binary := range []string{t.ffmpeg, t.ffprobe} {
		if _, err := exec.LookPath(binary); err != nil {
			return false
		}
	}
	return true
}

// SliceOptions controls clip extraction boundaries and fades.
type SliceOptions struct {
	StartTime float64
	EndTime   float64
	FadeIn    float64
	FadeOut   float64
}

// SliceClip extracts [StartTime, EndTime] from input into output, re-encoded
// to the canonical format with the requested fades. The seek happens before
// the input is opened so decode cost stays proportional to the clip length.
func (t *Toolkit) SliceClip(ctx context.Context, input, output string, opts SliceOptions) error {
	duration := opts.EndTime - opts.StartTime
	if duration <= 0 {
		return fmt.Errorf("slice clip: end %.2f must exceed start %.2f", opts.EndTime, opts.StartTime)
	}
	if err := ensureParent(output); err != nil {
		return err
	}

	cmd := newCommand().
		fastSeek(opts.StartTime).
		limit(duration).
		input(input)
	if filter := fadeFilter(opts.FadeIn, opts.FadeOut, duration); filter != "" {
		cmd = cmd.audioFilter(filter)
	}
	args := cmd.canonicalEncode(t.bitrateKbps).build(output)

	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("slice clip: %w", err)
	}
	return nil
}

// Compress re-encodes input at the requested bitrate. Accepted bitrates are
// the ones the digest pipeline uses: 64, 96, 128 kbps.
func (t *Toolkit) Compress(ctx context.Context, input, output string, bitrateKbps int) error {
	switch bitrateKbps {
	case 64, 96, 128:
	default:
		return fmt.Errorf("compress: unsupported bitrate %dk", bitrateKbps)
	}
	if err := ensureParent(output); err != nil {
		return err
	}

	args := newCommand().
		input(input).
		canonicalEncode(bitrateKbps).
		build(output)
	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	return nil
}

// ExtractWindow re-encodes the [start, start+window] range of input to the
// canonical format. Used to split oversized episodes into STT-sized chunks;
// the fast seek keeps output timestamps monotonic from zero.
func (t *Toolkit) ExtractWindow(ctx context.Context, input, output string, start, window float64) error {
	if window <= 0 {
		return fmt.Errorf("extract window: invalid window %.2f", window)
	}
	if err := ensureParent(output); err != nil {
		return err
	}

	args := newCommand().
		fastSeek(start).
		limit(window).
		input(input).
		canonicalEncode(t.bitrateKbps).
		build(output)
	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("extract window: %w", err)
	}
	return nil
}

// Concatenate joins canonical-format inputs into output. A single input is
// copied unchanged.
func (t *Toolkit) Concatenate(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concatenate: no inputs")
	}
	if err := ensureParent(output); err != nil {
		return err
	}
	if len(inputs) == 1 {
		return fileutil.CopyFile(inputs[0], output)
	}

	listPath := output + ".concat.txt"
	var list strings.Builder
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return fmt.Errorf("concatenate: resolve %s: %w", input, err)
		}
		list.WriteString("file '")
		list.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		list.WriteString("'\n")
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("concatenate: write list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	}
	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("concatenate: %w", err)
	}
	return nil
}

// AddFades re-encodes input with a fade-in at the start and a fade-out ending
// at the file's end. The file is probed first to locate the fade-out start.
func (t *Toolkit) AddFades(ctx context.Context, input, output string, fadeIn, fadeOut float64) error {
	info, err := t.Probe(ctx, input)
	if err != nil {
		return fmt.Errorf("add fades: %w", err)
	}
	if err := ensureParent(output); err != nil {
		return err
	}

	filter := fadeFilter(fadeIn, fadeOut, info.Duration)
	cmd := newCommand().input(input)
	if filter != "" {
		cmd = cmd.audioFilter(filter)
	}
	args := cmd.canonicalEncode(t.bitrateKbps).build(output)
	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("add fades: %w", err)
	}
	return nil
}

// Track pairs an input path with a linear gain for mixing.
type Track struct {
	Path   string
	Volume float64
}

// MixTracks mixes the tracks with per-track gain; output length follows the
// longest input.
func (t *Toolkit) MixTracks(ctx context.Context, tracks []Track, output string) error {
	if len(tracks) == 0 {
		return fmt.Errorf("mix tracks: no inputs")
	}
	if err := ensureParent(output); err != nil {
		return err
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, track := range tracks {
		args = append(args, "-i", track.Path)
	}

	var filter strings.Builder
	labels := make([]string, 0, len(tracks))
	for i, track := range tracks {
		volume := track.Volume
		if volume <= 0 {
			volume = 1.0
		}
		label := fmt.Sprintf("a%d", i)
		fmt.Fprintf(&filter, "[%d:a]volume=%s[%s];", i, formatSeconds(volume), label)
		labels = append(labels, "["+label+"]")
	}
	fmt.Fprintf(&filter, "%samix=inputs=%d:duration=longest[out]", strings.Join(labels, ""), len(tracks))

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "[out]",
	)
	args = append(args, canonicalEncodeArgs(t.bitrateKbps)...)
	args = append(args, output)

	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("mix tracks: %w", err)
	}
	return nil
}

func fadeFilter(fadeIn, fadeOut, duration float64) string {
	var parts []string
	if fadeIn > 0 {
		parts = append(parts, fmt.Sprintf("afade=t=in:st=0:d=%s", formatSeconds(fadeIn)))
	}
	if fadeOut > 0 && duration > fadeOut {
		start := duration - fadeOut
		parts = append(parts, fmt.Sprintf("afade=t=out:st=%s:d=%s", formatSeconds(start), formatSeconds(fadeOut)))
	}
	return strings.Join(parts, ",")
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	return nil
}
