package transcription

import (
	"sort"
	"strings"

	"sifter/internal/services/stt"
	"sifter/internal/store"
)

// chunkResult pairs a chunk's transcription with its offset in the source.
type chunkResult struct {
	Start  float64
	Window float64
	Result *stt.Result
}

// mergeChunks folds per-chunk transcriptions into one episode transcript.
// Segment timestamps shift by the chunk's start offset so they land on the
// original timeline, texts join with a single space, and the episode duration
// is the furthest point any chunk reached.
func mergeChunks(results []chunkResult) *store.Transcript {
	merged := &store.Transcript{}
	var texts []string
	for _, chunk := range results {
		if chunk.Result == nil {
			continue
		}
		if merged.Language == "" && chunk.Result.Language != "" {
			merged.Language = chunk.Result.Language
		}
		if text := strings.TrimSpace(chunk.Result.Text); text != "" {
			texts = append(texts, text)
		}
		for _, segment := range chunk.Result.Segments {
			merged.Segments = append(merged.Segments, store.TranscriptSegment{
				Start: segment.Start + chunk.Start,
				End:   segment.End + chunk.Start,
				Text:  segment.Text,
			})
		}
		reach := chunk.Result.Duration
		if reach <= 0 {
			reach = chunk.Window
		}
		if end := chunk.Start + reach; end > merged.Duration {
			merged.Duration = end
		}
	}
	sort.SliceStable(merged.Segments, func(i, j int) bool {
		return merged.Segments[i].Start < merged.Segments[j].Start
	})
	merged.Text = strings.Join(texts, " ")
	return merged
}
