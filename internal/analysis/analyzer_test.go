package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sifter/internal/config"
	"sifter/internal/services"
	"sifter/internal/services/llm"
	"sifter/internal/store"
)

type fakeJob struct {
	id   string
	data []byte
	logs []string
}

func (j *fakeJob) JobID() string        { return j.id }
func (j *fakeJob) Data() []byte         { return j.data }
func (j *fakeJob) Log(line string)      { j.logs = append(j.logs, line) }
func (j *fakeJob) UpdateProgress(int)   {}

type scriptedClient struct {
	response string
	err      error
	requests []llm.Request
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (string, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func seedTranscribedEpisode(t *testing.T) (*store.Store, *store.Episode) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sifter.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	podcast, err := st.UpsertPodcast(ctx, &store.Podcast{
		FeedURL: "https://feeds.example.com/deepdive",
		Title:   "Deep Dive",
	})
	if err != nil {
		t.Fatal(err)
	}
	episode, err := st.UpsertEpisode(ctx, &store.Episode{
		PodcastID:   podcast.ID,
		GUID:        "dd-42",
		Title:       "Episode 42",
		AudioURL:    "https://cdn.example.com/dd-42.mp3",
		PublishedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetEpisodeTranscript(ctx, episode.ID, &store.Transcript{
		Text:     "intro segment main discussion closing remarks",
		Language: "en",
		Duration: 1800,
		Segments: []store.TranscriptSegment{
			{Start: 0, End: 600, Text: "intro segment"},
			{Start: 600, End: 1500, Text: "main discussion"},
			{Start: 1500, End: 1800, Text: "closing remarks"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	return st, episode
}

func payloadFor(t *testing.T, episode *store.Episode, interests []string) []byte {
	t.Helper()
	data, err := json.Marshal(Payload{EpisodeID: episode.ID, UserID: "user-1", UserInterests: interests})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newHandler(st *store.Store, client llm.Client) *Handler {
	cfg := config.Default()
	return NewHandler(&cfg, st, llm.NewService(client, nil), nil)
}

func TestExecuteStoresValidatedClips(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	client := &scriptedClient{response: `{
		"clips": [
			{"startTime": 610, "endTime": 730, "transcript": "main discussion", "summary": "the core argument", "reasoning": "matches ai interest", "relevanceScore": 0.9},
			{"startTime": 200, "endTime": 100, "transcript": "inverted", "summary": "", "reasoning": "", "relevanceScore": 0.8},
			{"startTime": 1700, "endTime": 1950, "transcript": "past the end", "summary": "", "reasoning": "", "relevanceScore": 0.7},
			{"startTime": 20, "endTime": 110, "transcript": "intro", "summary": "cold open", "reasoning": "sets context", "relevanceScore": 0.5}
		]
	}`}
	handler := newHandler(st, client)

	job := &fakeJob{id: "job-1", data: payloadFor(t, episode, []string{"ai", "distributed systems"})}
	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	got, err := st.GetEpisode(ctx, episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.EpisodeAnalyzed {
		t.Fatalf("status = %s", got.Status)
	}
	clips, err := st.ListClipCandidates(ctx, []string{episode.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(clips) != 2 {
		t.Fatalf("expected invalid clips dropped, got %d clips", len(clips))
	}
	if clips[0].Score != 0.9 || clips[0].Summary != "the core argument" {
		t.Fatalf("best clip mismatch: %+v", clips[0])
	}
	if clips[0].Reasoning == "" {
		t.Fatal("reasoning not stored")
	}

	req := client.requests[0]
	if req.Temperature != analysisTemperature || req.MaxTokens != analysisMaxTokens {
		t.Fatalf("request knobs: temp=%v maxTokens=%d", req.Temperature, req.MaxTokens)
	}
	if !strings.Contains(req.Prompt, "[600.0-1500.0]: main discussion") {
		t.Fatalf("prompt missing timestamped transcript:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "ai, distributed systems") {
		t.Fatal("prompt missing listener interests")
	}
}

func TestExecuteReplacesClipsWholesale(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	ctx := context.Background()
	stale, err := st.ReplaceClips(ctx, episode.ID, []*store.Clip{
		{StartTime: 5, EndTime: 95, Summary: "stale", Score: 0.1},
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{response: `{"clips": [
		{"startTime": 700, "endTime": 790, "transcript": "fresh", "summary": "fresh", "reasoning": "r", "relevanceScore": 0.8}
	]}`}
	handler := newHandler(st, client)
	if err := handler.Execute(ctx, &fakeJob{id: "job-2", data: payloadFor(t, episode, nil)}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := st.ListClipsByIDs(ctx, []string{stale[0].ID}); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("stale clip should be gone, got %v", err)
	}
}

func TestExecuteSkipsAnalyzedEpisode(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	ctx := context.Background()
	for _, to := range []store.EpisodeStatus{store.EpisodeAnalyzing, store.EpisodeAnalyzed} {
		from := store.EpisodeTranscribed
		if to == store.EpisodeAnalyzed {
			from = store.EpisodeAnalyzing
		}
		if _, err := st.TransitionEpisode(ctx, episode.ID, []store.EpisodeStatus{from}, to); err != nil {
			t.Fatal(err)
		}
	}

	client := &scriptedClient{response: `{"clips": []}`}
	handler := newHandler(st, client)
	if err := handler.Execute(ctx, &fakeJob{id: "job-3", data: payloadFor(t, episode, nil)}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(client.requests) != 0 {
		t.Fatal("analyzed episode must not hit the model")
	}
}

func TestExecuteFastFailsWhileAnalyzing(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	ctx := context.Background()
	if _, err := st.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodeTranscribed}, store.EpisodeAnalyzing); err != nil {
		t.Fatal(err)
	}

	handler := newHandler(st, &scriptedClient{})
	err := handler.Execute(ctx, &fakeJob{id: "job-4", data: payloadFor(t, episode, nil)})
	if !errors.Is(err, services.ErrBusy) {
		t.Fatalf("expected busy sentinel, got %v", err)
	}
}

func TestExecuteReleasesEpisodeOnRetryableModelFailure(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	client := &scriptedClient{err: services.Wrap(services.ErrTransport, "llm", "complete", "connection reset", nil)}
	handler := newHandler(st, client)

	err := handler.Execute(context.Background(), &fakeJob{id: "job-5", data: payloadFor(t, episode, nil)})
	if err == nil || !services.Retryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	got, _ := st.GetEpisode(context.Background(), episode.ID)
	if got.Status != store.EpisodeTranscribed {
		t.Fatalf("episode should return to transcribed, got %s", got.Status)
	}
}

func TestExecuteReleasesEpisodeOnUnusableClips(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	client := &scriptedClient{response: `{"clips": [{"startTime": 500, "endTime": 400}]}`}
	handler := newHandler(st, client)

	err := handler.Execute(context.Background(), &fakeJob{id: "job-6", data: payloadFor(t, episode, nil)})
	if !errors.Is(err, services.ErrParse) {
		t.Fatalf("expected parse failure, got %v", err)
	}
	// Parse failures are retryable; a later attempt may get usable output.
	got, _ := st.GetEpisode(context.Background(), episode.ID)
	if got.Status != store.EpisodeTranscribed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestExecuteFailsEpisodeOnFatalModelError(t *testing.T) {
	st, episode := seedTranscribedEpisode(t)
	client := &scriptedClient{err: services.Wrap(services.ErrConfiguration, "llm", "complete", "missing api key", nil)}
	handler := newHandler(st, client)

	err := handler.Execute(context.Background(), &fakeJob{id: "job-7", data: payloadFor(t, episode, nil)})
	if err == nil || services.Retryable(err) {
		t.Fatalf("expected fatal failure, got %v", err)
	}
	got, _ := st.GetEpisode(context.Background(), episode.ID)
	if got.Status != store.EpisodeFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
}
