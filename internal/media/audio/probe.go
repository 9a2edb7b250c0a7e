package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Info summarizes the audio characteristics of a probed file.
type Info struct {
	Duration    float64
	SampleRate  int
	Channels    int
	Codec       string
	BitrateKbps int
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
	BitRate  string `json:"bit_rate"`
}

// Probe executes ffprobe against the provided path and decodes the result.
// It fails when the file has no audio stream or the binary cannot parse it.
func (t *Toolkit) Probe(ctx context.Context, path string) (Info, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Info{}, errors.New("probe: empty path")
	}

	output, err := t.run(ctx, t.ffprobe,
		"-v", "error",
		"-hide_banner",
		"-show_format",
		"-show_streams",
		"-of", "json",
		"--", path,
	)
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", path, err)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return Info{}, fmt.Errorf("probe parse: %w", err)
	}

	var stream *probeStream
	for i := range result.Streams {
		if strings.EqualFold(result.Streams[i].CodecType, "audio") {
			stream = &result.Streams[i]
			break
		}
	}
	if stream == nil {
		return Info{}, fmt.Errorf("probe %s: no audio stream", path)
	}

	info := Info{
		Codec:    stream.CodecName,
		Channels: stream.Channels,
	}
	info.Duration = parseProbeFloat(result.Format.Duration)
	if info.Duration == 0 {
		info.Duration = parseProbeFloat(stream.Duration)
	}
	if rate := parseProbeFloat(stream.SampleRate); rate > 0 {
		info.SampleRate = int(rate)
	}
	bitrate := parseProbeFloat(stream.BitRate)
	if bitrate == 0 {
		bitrate = parseProbeFloat(result.Format.BitRate)
	}
	if bitrate > 0 {
		info.BitrateKbps = int(math.Round(bitrate / 1000))
	}
	return info, nil
}

func parseProbeFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || parsed < 0 {
		return 0
	}
	return parsed
}
