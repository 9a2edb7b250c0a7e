// Package tts converts narrator script text into speech audio. The hosted
// backend uses the OpenAI speech endpoint; a deterministic mock backend keeps
// development and tests free of API calls.
package tts

import "context"

// Synthesizer renders one piece of text to an MP3 file at outputPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string) error
	Name() string
}
