package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sifter/internal/config"
	"sifter/internal/logging"
	"sifter/internal/queue"
	"sifter/internal/services"
	"sifter/internal/stage"
	"sifter/internal/store"
	"sifter/internal/workflow"
)

type recordingHandler struct {
	mu       sync.Mutex
	executed []string
	results  []error
	done     chan struct{}
}

func newRecordingHandler(results ...error) *recordingHandler {
	return &recordingHandler{results: results, done: make(chan struct{}, 16)}
}

func (h *recordingHandler) Execute(ctx context.Context, job stage.Context) error {
	h.mu.Lock()
	h.executed = append(h.executed, job.JobID())
	var err error
	if len(h.results) > 0 {
		err = h.results[0]
		h.results = h.results[1:]
	}
	h.mu.Unlock()
	h.done <- struct{}{}
	return err
}

func (h *recordingHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("recording")
}

func (h *recordingHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

func openQueue(t *testing.T) *queue.Store {
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
	return qs
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.ErrorRetryInterval = 1
	return &cfg
}

func waitExecuted(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler execution")
	}
}

func waitForStatus(t *testing.T, qs *queue.Store, queueName, jobID string, want queue.Status) queue.JobRecord {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := qs.List(ctx, queueName)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, record := range records {
			if record.ID == jobID && record.Status == want {
				return record
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return queue.JobRecord{}
}

func TestManagerProcessesJobsToCompletion(t *testing.T) {
	qs := openQueue(t)
	ctx := context.Background()

	handler := newRecordingHandler(nil)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	manager.Register(queue.QueueTranscription, handler)

	if _, _, err := qs.Add(ctx, queue.QueueTranscription, "transcribe episode", map[string]string{"episodeId": "ep-1"}, queue.AddOptions{JobID: "transcription-ep-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitExecuted(t, handler)
	record := waitForStatus(t, qs, queue.QueueTranscription, "transcription-ep-1", queue.StatusCompleted)
	if record.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", record.Attempts)
	}
	if calls := handler.calls(); len(calls) != 1 || calls[0] != "transcription-ep-1" {
		t.Fatalf("executed jobs = %v", calls)
	}
}

func TestManagerRequiresHandlers(t *testing.T) {
	qs := openQueue(t)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	if err := manager.Start(context.Background()); err == nil {
		t.Fatal("start without handlers must fail")
	}
}

func TestManagerRetriesThenFailsJob(t *testing.T) {
	qs := openQueue(t)
	ctx := context.Background()

	transient := services.Wrap(services.ErrTransport, "stt", "transcribe", "connection reset", nil)
	handler := newRecordingHandler(transient, transient)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	manager.Register(queue.QueueAnalysis, handler)

	if _, _, err := qs.Add(ctx, queue.QueueAnalysis, "analyze episode", map[string]string{"episodeId": "ep-2"}, queue.AddOptions{
		JobID:    "analysis-ep-2",
		Attempts: 2,
		Backoff:  time.Millisecond,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitExecuted(t, handler)
	waitExecuted(t, handler)
	record := waitForStatus(t, qs, queue.QueueAnalysis, "analysis-ep-2", queue.StatusFailed)
	if record.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", record.Attempts)
	}
	if record.LastError == "" {
		t.Fatal("failed job must record its error")
	}
}

func TestManagerReleasesBusyJobsWithoutBurningAttempts(t *testing.T) {
	qs := openQueue(t)
	ctx := context.Background()

	busy := services.Wrap(services.ErrBusy, "transcription", "claim", "episode already downloading", nil)
	handler := newRecordingHandler(busy)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	manager.Register(queue.QueueTranscription, handler)

	if _, _, err := qs.Add(ctx, queue.QueueTranscription, "transcribe episode", map[string]string{"episodeId": "ep-3"}, queue.AddOptions{
		JobID:    "transcription-ep-3",
		Attempts: 3,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitExecuted(t, handler)
	record := waitForStatus(t, qs, queue.QueueTranscription, "transcription-ep-3", queue.StatusPending)
	if record.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 after busy release", record.Attempts)
	}
}

func TestManagerStartRequeuesInterruptedJobs(t *testing.T) {
	qs := openQueue(t)
	ctx := context.Background()

	if _, _, err := qs.Add(ctx, queue.QueueDigest, "assemble digest", map[string]string{"digestId": "dg-1"}, queue.AddOptions{JobID: "digest-dg-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := qs.Claim(ctx, queue.QueueDigest); err != nil {
		t.Fatalf("claim: %v", err)
	}

	handler := newRecordingHandler(nil)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	manager.Register(queue.QueueDigest, handler)
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitExecuted(t, handler)
	waitForStatus(t, qs, queue.QueueDigest, "digest-dg-1", queue.StatusCompleted)
}

func TestManagerStopWaitsForWorkers(t *testing.T) {
	qs := openQueue(t)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	manager.Register(queue.QueueCuration, newRecordingHandler())

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !manager.Running() {
		t.Fatal("manager must report running after start")
	}
	manager.Stop()
	if manager.Running() {
		t.Fatal("manager must report stopped after stop")
	}
	manager.Stop()
}

func TestManagerHealthAggregatesHandlers(t *testing.T) {
	qs := openQueue(t)
	manager := workflow.NewManager(testConfig(), qs, logging.NewNop())
	manager.Register(queue.QueueTranscription, newRecordingHandler())
	manager.Register(queue.QueueAnalysis, newRecordingHandler())

	checks := manager.Health(context.Background())
	if len(checks) != 2 {
		t.Fatalf("health checks = %d, want 2", len(checks))
	}
	for _, check := range checks {
		if !check.Ready {
			t.Fatalf("handler %s not ready: %s", check.Name, check.Detail)
		}
	}
}
