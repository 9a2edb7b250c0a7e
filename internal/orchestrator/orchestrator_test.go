package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sifter/internal/assembly"
	"sifter/internal/blobcache"
	"sifter/internal/config"
	"sifter/internal/curation"
	"sifter/internal/media/audio"
	"sifter/internal/queue"
	"sifter/internal/services"
	"sifter/internal/services/llm"
	"sifter/internal/services/tts"
	"sifter/internal/store"
)

type fakeJob struct {
	id       string
	logs     []string
	progress []int
	data     []byte
}

func (j *fakeJob) JobID() string          { return j.id }
func (j *fakeJob) Data() []byte           { return j.data }
func (j *fakeJob) Log(line string)        { j.logs = append(j.logs, line) }
func (j *fakeJob) UpdateProgress(pct int) { j.progress = append(j.progress, pct) }

// routedClient answers curation requests with a full selection and script
// requests with narration, keyed on the system prompt.
type routedClient struct {
	selection string
	script    string
}

func (c *routedClient) Name() string { return "routed" }

func (c *routedClient) Complete(_ context.Context, req llm.Request) (string, error) {
	if strings.Contains(req.Prompt, "Candidate clips:") {
		return c.selection, nil
	}
	return c.script, nil
}

type fixture struct {
	store *store.Store
	queue *queue.Store
	user  *store.User
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sifter.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	qs, err := queue.New(st.DB())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	user, err := st.CreateUser(context.Background(), "listener@example.com", "Listener",
		[]string{"ai"}, store.PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Paths.TempRoot = t.TempDir()
	cfg.Paths.DigestDir = t.TempDir()
	cfg.Download.Attempts = 1
	cfg.Workflow.OrchestratorPollInterval = 1
	return &fixture{store: st, queue: qs, user: user, cfg: &cfg}
}

func (f *fixture) seedEpisode(t *testing.T, guid, audioURL string, status store.EpisodeStatus, withClips bool) *store.Episode {
	t.Helper()
	ctx := context.Background()
	podcast, err := f.store.UpsertPodcast(ctx, &store.Podcast{
		FeedURL: "https://feeds.example.com/" + guid,
		Title:   "Show " + guid,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Subscribe(ctx, f.user.ID, podcast.ID); err != nil {
		t.Fatal(err)
	}
	episode, err := f.store.UpsertEpisode(ctx, &store.Episode{
		PodcastID:   podcast.ID,
		GUID:        guid,
		Title:       "Episode " + guid,
		AudioURL:    audioURL,
		PublishedAt: time.Now().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if status == store.EpisodePending {
		return episode
	}
	if err := f.store.SetEpisodeTranscript(ctx, episode.ID, &store.Transcript{Text: "t", Duration: 1800}); err != nil {
		t.Fatal(err)
	}
	if status == store.EpisodeTranscribed {
		return episode
	}
	if _, err := f.store.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodeTranscribed}, store.EpisodeAnalyzing); err != nil {
		t.Fatal(err)
	}
	if withClips {
		if _, err := f.store.ReplaceClips(ctx, episode.ID, []*store.Clip{
			{StartTime: 100, EndTime: 190, Summary: guid + " best moment", Score: 0.9},
			{StartTime: 400, EndTime: 500, Summary: guid + " second moment", Score: 0.7},
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.store.TransitionEpisode(ctx, episode.ID,
		[]store.EpisodeStatus{store.EpisodeAnalyzing}, store.EpisodeAnalyzed); err != nil {
		t.Fatal(err)
	}
	return episode
}

func newOrchestrator(t *testing.T, f *fixture, client llm.Client) *Handler {
	t.Helper()
	runner := audio.Runner(func(_ context.Context, name string, args ...string) ([]byte, error) {
		output := args[len(args)-1]
		if err := os.WriteFile(output, make([]byte, 32768), 0o644); err != nil {
			t.Fatalf("fake ffmpeg output: %v", err)
		}
		return nil, nil
	})
	toolkit := audio.New("ffmpeg", "ffprobe", 128, audio.WithRunner(runner))
	cache := blobcache.New(f.cfg.Paths.TempRoot)
	service := llm.NewService(client, nil)
	curationHandler := curation.NewHandler(f.cfg, f.store, service, nil)
	assemblyHandler := assembly.NewHandler(f.cfg, f.store, cache, toolkit, service, tts.NewMockSynthesizer(), nil)
	handler := NewHandler(f.cfg, f.store, f.queue, curationHandler, assemblyHandler, nil)
	handler.sleep = func(context.Context, time.Duration) error { return nil }
	return handler
}

func selectionJSON(clipIDs ...string) string {
	data, _ := json.Marshal(map[string]any{
		"selectedClipIds":   clipIDs,
		"reasoning":         "lineup",
		"estimatedDuration": 280,
		"topicCoverage":     []string{"ai"},
	})
	return string(data)
}

const narrationJSON = `{
	"intro": "Welcome to your digest.",
	"transitions": ["On to the next story.", "One more before we go."],
	"outro": "See you tomorrow."
}`

func TestRunProducesDigestFromAnalyzedEpisodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	f := newFixture(t)
	episode := f.seedEpisode(t, "ep-1", server.URL+"/ep-1.mp3", store.EpisodeAnalyzed, true)

	ctx := context.Background()
	clips, err := f.store.ListClipCandidates(ctx, []string{episode.ID})
	if err != nil {
		t.Fatal(err)
	}
	client := &routedClient{
		selection: selectionJSON(clips[0].ID, clips[1].ID),
		script:    narrationJSON,
	}
	handler := newOrchestrator(t, f, client)

	job := &fakeJob{id: "orch-1"}
	result, err := handler.Run(ctx, job, Payload{UserID: f.user.ID, Frequency: store.PeriodDaily})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result == nil {
		t.Fatal("expected a digest result")
	}
	if result.EpisodeCount != 1 || result.ClipCount != 2 {
		t.Fatalf("result counts: %+v", result)
	}
	if result.AudioURL == "" || result.Duration <= 0 {
		t.Fatalf("result missing audio: %+v", result)
	}

	digest, err := f.store.GetDigest(ctx, result.DigestID)
	if err != nil {
		t.Fatal(err)
	}
	if digest.Status != store.DigestReady {
		t.Fatalf("digest status = %s (%s)", digest.Status, digest.ErrorMessage)
	}
	if len(digest.EpisodeIDs) != 1 || digest.EpisodeIDs[0] != episode.ID {
		t.Fatalf("digest episode ids: %+v", digest.EpisodeIDs)
	}
	if _, err := os.Stat(digest.AudioPath); err != nil {
		t.Fatalf("published audio missing: %v", err)
	}
}

func TestRunSkipsWhenWindowIsEmpty(t *testing.T) {
	f := newFixture(t)
	handler := newOrchestrator(t, f, &routedClient{})

	job := &fakeJob{id: "orch-2"}
	result, err := handler.Run(context.Background(), job, Payload{UserID: f.user.ID, Frequency: store.PeriodDaily})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != nil {
		t.Fatalf("empty window must not create a digest, got %+v", result)
	}
	digests, err := f.store.ListDigests(context.Background(), f.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 0 {
		t.Fatalf("digest created for empty window: %+v", digests)
	}
}

func TestRunEnqueuesTranscriptionWithDedup(t *testing.T) {
	f := newFixture(t)
	episode := f.seedEpisode(t, "ep-3", "https://cdn.example.com/ep-3.mp3", store.EpisodePending, false)

	handler := newOrchestrator(t, f, &routedClient{})
	// The ceiling is in the past relative to poll arithmetic; the wait gives
	// up immediately with nothing analyzed.
	handler.pollCeiling = -time.Second

	job := &fakeJob{id: "orch-3"}
	_, err := handler.Run(context.Background(), job, Payload{UserID: f.user.ID, Frequency: store.PeriodDaily})
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected no-analyzed failure, got %v", err)
	}

	jobs, err := f.queue.List(context.Background(), queue.QueueTranscription)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one transcription job, got %d", len(jobs))
	}
	if jobs[0].ID != "transcription-"+episode.ID {
		t.Fatalf("dedup id = %s", jobs[0].ID)
	}
	if jobs[0].MaxAttempts != transcriptionAttempts {
		t.Fatalf("attempts = %d", jobs[0].MaxAttempts)
	}
}

func TestRunFeedsTranscribedEpisodesIntoAnalysis(t *testing.T) {
	f := newFixture(t)
	episode := f.seedEpisode(t, "ep-4", "https://cdn.example.com/ep-4.mp3", store.EpisodeTranscribed, false)

	handler := newOrchestrator(t, f, &routedClient{})
	handler.pollCeiling = -time.Second

	job := &fakeJob{id: "orch-4"}
	_, err := handler.Run(context.Background(), job, Payload{UserID: f.user.ID, Frequency: store.PeriodDaily})
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected no-analyzed failure, got %v", err)
	}

	jobs, err := f.queue.List(context.Background(), queue.QueueAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one analysis job, got %d", len(jobs))
	}
	if jobs[0].ID != "analysis-"+episode.ID+"-"+f.user.ID {
		t.Fatalf("dedup id = %s", jobs[0].ID)
	}
}

func TestRunResetsRecentFailedEpisodes(t *testing.T) {
	f := newFixture(t)
	episode := f.seedEpisode(t, "ep-5", "https://cdn.example.com/ep-5.mp3", store.EpisodePending, false)
	ctx := context.Background()
	if err := f.store.FailEpisode(ctx, episode.ID, "transient outage"); err != nil {
		t.Fatal(err)
	}

	handler := newOrchestrator(t, f, &routedClient{})
	handler.pollCeiling = -time.Second

	job := &fakeJob{id: "orch-5"}
	_, runErr := handler.Run(ctx, job, Payload{UserID: f.user.ID, Frequency: store.PeriodDaily})
	if runErr == nil {
		t.Fatal("expected failure with nothing analyzed")
	}

	got, err := f.store.GetEpisode(ctx, episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == store.EpisodeFailed {
		t.Fatal("failed episode in window should be reset for retry")
	}
}

// downClient refuses every request the way an unreachable upstream would.
type downClient struct{}

func (downClient) Name() string { return "down" }

func (downClient) Complete(context.Context, llm.Request) (string, error) {
	return "", services.Wrap(services.ErrTransport, "llm", "complete", "connection reset", nil)
}

func TestRunMarksDigestFailedWhenInlineStageErrors(t *testing.T) {
	f := newFixture(t)
	f.seedEpisode(t, "ep-6", "https://cdn.example.com/ep-6.mp3", store.EpisodeAnalyzed, true)
	handler := newOrchestrator(t, f, downClient{})
	ctx := context.Background()

	job := &fakeJob{id: "orch-6"}
	_, runErr := handler.Run(ctx, job, Payload{UserID: f.user.ID, Frequency: store.PeriodDaily})
	if runErr == nil {
		t.Fatal("expected inline curation to fail")
	}
	if !errors.Is(runErr, services.ErrTransport) {
		t.Fatalf("unexpected error: %v", runErr)
	}

	digests, err := f.store.ListDigests(ctx, f.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 1 {
		t.Fatalf("expected one digest, got %d", len(digests))
	}
	// Nothing re-delivers the inline stages, so the digest must land in a
	// terminal state instead of sitting in curating forever.
	if digests[0].Status != store.DigestFailed {
		t.Fatalf("digest status = %s, want %s", digests[0].Status, store.DigestFailed)
	}
	if digests[0].ErrorMessage == "" {
		t.Fatal("failed digest should record the reason")
	}
}
