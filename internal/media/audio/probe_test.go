package audio

import (
	"context"
	"testing"
)

const ffprobePayload = `{
  "streams": [
    {"codec_type": "video", "codec_name": "mjpeg"},
    {"codec_type": "audio", "codec_name": "mp3", "sample_rate": "44100", "channels": 2, "bit_rate": "128000"}
  ],
  "format": {"duration": "1845.42", "bit_rate": "129536"}
}`

func TestProbeReadsFirstAudioStream(t *testing.T) {
	toolkit, calls := newRecordingToolkit(t, []byte(ffprobePayload))

	info, err := toolkit.Probe(context.Background(), "episode.mp3")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(*calls) != 1 || (*calls)[0].name != "ffprobe" {
		t.Fatalf("expected one ffprobe call, got %+v", *calls)
	}
	if info.Duration != 1845.42 {
		t.Fatalf("duration = %v", info.Duration)
	}
	if info.Codec != "mp3" || info.SampleRate != 44100 || info.Channels != 2 {
		t.Fatalf("unexpected stream info %+v", info)
	}
	if info.BitrateKbps != 128 {
		t.Fatalf("bitrate = %d", info.BitrateKbps)
	}
}

func TestProbeRejectsFileWithoutAudio(t *testing.T) {
	toolkit, _ := newRecordingToolkit(t, []byte(`{"streams": [], "format": {"duration": "10"}}`))
	if _, err := toolkit.Probe(context.Background(), "broken.bin"); err == nil {
		t.Fatal("expected error when no audio stream present")
	}
}
