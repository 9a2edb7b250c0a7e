package daemon_test

import (
	"context"
	"path/filepath"
	"testing"

	"sifter/internal/config"
	"sifter/internal/daemon"
	"sifter/internal/ingest"
	"sifter/internal/logging"
	"sifter/internal/queue"
	"sifter/internal/stage"
	"sifter/internal/store"
	"sifter/internal/workflow"
)

type idleHandler struct{}

func (idleHandler) Execute(context.Context, stage.Context) error { return nil }

func (idleHandler) HealthCheck(context.Context) stage.Health { return stage.Healthy("idle") }

type fixture struct {
	cfg   *config.Config
	store *store.Store
	queue *queue.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	defaults := config.Default()
	cfg := &defaults
	cfg.Paths.DataDir = t.TempDir()
	cfg.Workflow.QueuePollInterval = 1

	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, "sifter.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	qs, err := queue.New(st.DB())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return &fixture{cfg: cfg, store: st, queue: qs}
}

func (f *fixture) newDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	manager := workflow.NewManager(f.cfg, f.queue, logging.NewNop())
	manager.Register(queue.QueueTranscription, idleHandler{})
	ing := ingest.NewService(f.store, "Sifter/1.0", logging.NewNop())
	d, err := daemon.New(f.cfg, f.store, f.queue, manager, ing, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.newDaemon(t)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !first.Running() {
		t.Fatal("daemon must report running")
	}

	second := f.newDaemon(t)
	if err := second.Start(ctx); err == nil {
		t.Fatal("second instance must be rejected while the lock is held")
	}

	first.Stop()
	if first.Running() {
		t.Fatal("daemon must report stopped")
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("restart after release: %v", err)
	}
	second.Stop()
}

func TestDaemonStatusReportsStageHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.newDaemon(t)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("status must report running")
	}
	if status.QueueDBPath == "" || status.LockFilePath == "" {
		t.Fatalf("status paths missing: %+v", status)
	}
	if len(status.Stages) != 1 || !status.Stages[0].Ready {
		t.Fatalf("stages = %+v", status.Stages)
	}
}

func TestEnqueueDigestsDeduplicatesPerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.CreateUser(ctx, "daily@example.com", "Daily", []string{"ai"}, store.PeriodDaily); err != nil {
		t.Fatalf("create daily user: %v", err)
	}
	if _, err := f.store.CreateUser(ctx, "weekly@example.com", "Weekly", []string{"ai"}, store.PeriodWeekly); err != nil {
		t.Fatalf("create weekly user: %v", err)
	}

	d := f.newDaemon(t)
	queued, err := d.EnqueueDigests(ctx, store.PeriodDaily)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d, want 1 daily user", queued)
	}

	queued, err = d.EnqueueDigests(ctx, store.PeriodDaily)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if queued != 0 {
		t.Fatalf("same-day rerun must deduplicate, queued = %d", queued)
	}

	records, err := f.queue.List(ctx, queue.QueueOrchestrator)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("orchestrator jobs = %d, want 1", len(records))
	}
}

func TestDaemonRejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.Workflow.FeedRefreshSchedule = "not a cron spec"

	d := f.newDaemon(t)
	if err := d.Start(context.Background()); err == nil {
		d.Stop()
		t.Fatal("invalid cron spec must fail startup")
	}
	if d.Running() {
		t.Fatal("failed start must leave the daemon stopped")
	}
}
