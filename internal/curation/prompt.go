package curation

import (
	"fmt"
	"strings"

	"sifter/internal/store"
)

const excerptRunes = 600

const systemPrompt = `You are the editor of a personalized podcast digest. From a pool of
candidate clips you pick the lineup for one listener's daily or weekly
episode. You respond with JSON only, no prose before or after.`

// buildPrompt lists every candidate with enough context to choose from: its
// id, provenance, score, length, and a bounded transcript excerpt.
func buildPrompt(candidates []*store.Clip, interests []string, targetSeconds float64, minClips, maxClips int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target digest length: %.0f seconds (within 60 seconds either way).\n", targetSeconds)
	fmt.Fprintf(&b, "Pick between %d and %d clips.\n", minClips, maxClips)
	if len(interests) > 0 {
		fmt.Fprintf(&b, "Listener interests: %s\n", strings.Join(interests, ", "))
	}
	b.WriteString("\nCandidate clips:\n")
	for _, clip := range candidates {
		fmt.Fprintf(&b, "\nid: %s\n", clip.ID)
		fmt.Fprintf(&b, "podcast: %s | episode: %s\n", clip.PodcastTitle, clip.EpisodeTitle)
		fmt.Fprintf(&b, "length: %.0fs | relevance: %.2f\n", clip.Duration(), clip.Score)
		if clip.Summary != "" {
			fmt.Fprintf(&b, "summary: %s\n", clip.Summary)
		}
		fmt.Fprintf(&b, "excerpt: %s\n", excerpt(clip.Transcript))
	}
	b.WriteString(`
Choose the lineup that best covers the listener's interests without
repeating the same story from different shows, ordered the way they should
play. Favor variety of shows and topics over raw relevance score.

Respond with JSON exactly in this shape:
{
  "selectedClipIds": ["id", "id"],
  "reasoning": "why this lineup",
  "estimatedDuration": 430,
  "topicCoverage": ["topic", "topic"]
}`)
	return b.String()
}

// excerpt bounds a transcript to roughly excerptRunes characters so large
// candidate pools stay inside the model's context window.
func excerpt(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}
	return strings.TrimSpace(string(runes[:excerptRunes])) + "..."
}
