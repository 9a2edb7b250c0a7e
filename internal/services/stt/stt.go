// Package stt turns audio files into timestamped transcripts. Two backends
// exist: the OpenAI transcription API and a local whisper command. Both emit
// the same result shape so the transcription stage can merge chunked output
// without caring which one ran.
package stt

import "context"

// Segment is one timestamped span of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the transcription of a single audio file.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Options tunes a single transcription call.
type Options struct {
	// Language hints the spoken language (ISO code). The transcription stage
	// detects it on the first chunk and pins it for the rest.
	Language string
}

// Transcriber converts one audio file into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error)
	Name() string
}
