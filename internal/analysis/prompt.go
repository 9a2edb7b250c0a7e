package analysis

import (
	"fmt"
	"strings"

	"sifter/internal/store"
)

const systemPrompt = `You are an expert podcast editor. You find the moments in an episode
that a specific listener would most want to hear. You respond with JSON only,
no prose before or after.`

// buildPrompt renders the transcript with one [start-end] line per segment so
// the model can cite exact timestamps back.
func buildPrompt(episode *store.Episode, transcript *store.Transcript, interests []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Podcast: %s\n", episode.PodcastTitle)
	fmt.Fprintf(&b, "Episode: %s\n", episode.Title)
	fmt.Fprintf(&b, "Duration: %.0f seconds\n", transcript.Duration)
	if len(interests) > 0 {
		fmt.Fprintf(&b, "Listener interests: %s\n", strings.Join(interests, ", "))
	}
	b.WriteString("\nTranscript with timestamps:\n")
	for _, segment := range transcript.Segments {
		fmt.Fprintf(&b, "[%.1f-%.1f]: %s\n", segment.Start, segment.End, strings.TrimSpace(segment.Text))
	}
	b.WriteString(`
Select the 3-5 strongest clips for this listener. Each clip must be a
self-contained moment between 60 and 180 seconds long, bounded by the
timestamps above, and must not overlap another clip.

Respond with JSON exactly in this shape:
{
  "clips": [
    {
      "startTime": 123.4,
      "endTime": 210.0,
      "transcript": "the transcript text covered by the clip",
      "summary": "one sentence on what happens in the clip",
      "reasoning": "why this listener cares",
      "relevanceScore": 0.87
    }
  ]
}

relevanceScore is 0.0-1.0 against the listener's interests.`)
	return b.String()
}
