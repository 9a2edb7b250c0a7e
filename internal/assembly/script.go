package assembly

import (
	"context"
	"fmt"
	"strings"

	"sifter/internal/services"
	"sifter/internal/services/llm"
	"sifter/internal/store"
)

const (
	scriptTemperature = 0.7
	scriptMaxTokens   = 2000
)

const scriptSystemPrompt = `You are the host of a short personalized podcast digest. You write
warm, tight narration that connects clips from different shows. You respond
with JSON only, no prose before or after.`

// buildScriptPrompt asks for the narration around an already-ordered lineup.
func buildScriptPrompt(user *store.User, clips []*store.Clip) string {
	var total float64
	for _, clip := range clips {
		total += clip.Duration()
	}
	var b strings.Builder
	if user != nil && strings.TrimSpace(user.Name) != "" {
		fmt.Fprintf(&b, "The listener's name is %s.\n", strings.TrimSpace(user.Name))
	}
	fmt.Fprintf(&b, "The digest plays %d clips, %.1f minutes of audio in total, in this order:\n",
		len(clips), total/60)
	for i, clip := range clips {
		fmt.Fprintf(&b, "\n%d. %s — %s (%.0fs)\n", i+1, clip.PodcastTitle, clip.EpisodeTitle, clip.Duration())
		if clip.Summary != "" {
			fmt.Fprintf(&b, "   %s\n", clip.Summary)
		}
	}
	fmt.Fprintf(&b, `
Write the narration:
- "intro": welcome the listener and tease the lineup, 100-125 words.
- "transitions": exactly %d entries, one between each pair of consecutive
  clips, 25-35 words each, referencing what just played and what comes next.
- "outro": sign off in under 20 seconds of spoken audio.

Respond with JSON exactly in this shape:
{
  "intro": "...",
  "transitions": ["..."],
  "outro": "..."
}`, len(clips)-1)
	return b.String()
}

// generateScript produces and validates the narrator script for a lineup.
// A transition-count mismatch is tolerated; assembly interleaves what it got.
func (h *Handler) generateScript(ctx context.Context, user *store.User, clips []*store.Clip) (*store.NarratorScript, error) {
	content, err := h.llm.Complete(ctx, llm.Request{
		System:      scriptSystemPrompt,
		Prompt:      buildScriptPrompt(user, clips),
		Temperature: scriptTemperature,
		MaxTokens:   scriptMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	var script store.NarratorScript
	if err := llm.DecodeJSON(content, &script); err != nil {
		return nil, services.Wrap(services.ErrParse, "assembly", "decode script", "model returned unusable JSON", err)
	}
	if strings.TrimSpace(script.Intro) == "" {
		return nil, services.Wrap(services.ErrParse, "assembly", "validate script", "script has no intro", nil)
	}
	return &script, nil
}
