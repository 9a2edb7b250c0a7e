// Package daemon runs the long-lived Sifter process: the queue workers plus
// the cron schedules that feed them. A file lock enforces a single instance
// per database.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"sifter/internal/config"
	"sifter/internal/ingest"
	"sifter/internal/logging"
	"sifter/internal/orchestrator"
	"sifter/internal/queue"
	"sifter/internal/stage"
	"sifter/internal/store"
	"sifter/internal/workflow"
)

// Daemon coordinates background processing and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Store
	workflow *workflow.Manager
	ingest   *ingest.Service
	logger   *slog.Logger

	cron     *cron.Cron
	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status reports daemon runtime information.
type Status struct {
	Running      bool
	QueueDBPath  string
	LockFilePath string
	Stages       []stage.Health
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, qs *queue.Store, wf *workflow.Manager, ing *ingest.Service, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil || qs == nil || wf == nil || ing == nil {
		return nil, errors.New("daemon requires config, stores, workflow manager, and ingest service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "sifter.lock")
	return &Daemon{
		cfg:      cfg,
		store:    st,
		queue:    qs,
		workflow: wf,
		ingest:   ing,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, launches the queue workers, and arms
// the cron schedules.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another sifter daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.startSchedules(runCtx); err != nil {
		d.workflow.Stop()
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("sifter daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts the schedules and workers and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cron != nil {
		stopCtx := d.cron.Stop()
		<-stopCtx.Done()
		d.cron = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("sifter daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Running reports whether Start has succeeded without a matching Stop.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status captures the daemon state along with per-stage health.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		Stages:       d.workflow.Health(ctx),
	}
}

func (d *Daemon) startSchedules(ctx context.Context) error {
	scheduler := cron.New()

	entries := []struct {
		name string
		spec string
		run  func()
	}{
		{
			name: "feed refresh",
			spec: d.cfg.Workflow.FeedRefreshSchedule,
			run:  func() { d.refreshFeeds(ctx) },
		},
		{
			name: "daily digests",
			spec: d.cfg.Workflow.DailyDigestSchedule,
			run:  func() { d.enqueueDigests(ctx, store.PeriodDaily) },
		},
		{
			name: "weekly digests",
			spec: d.cfg.Workflow.WeeklyDigestSchedule,
			run:  func() { d.enqueueDigests(ctx, store.PeriodWeekly) },
		},
	}
	for _, entry := range entries {
		if entry.spec == "" {
			continue
		}
		if _, err := scheduler.AddFunc(entry.spec, entry.run); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", entry.name, entry.spec, err)
		}
		d.logger.Info("schedule armed",
			logging.String("job", entry.name),
			logging.String("spec", entry.spec))
	}

	scheduler.Start()
	d.cron = scheduler
	return nil
}

func (d *Daemon) refreshFeeds(ctx context.Context) {
	summary, err := d.ingest.Refresh(ctx, false)
	if err != nil {
		d.logger.Error("scheduled feed refresh failed", logging.Error(err))
		return
	}
	d.logger.Info("scheduled feed refresh finished",
		logging.Int("podcasts", summary.Podcasts),
		logging.Int("new_episodes", summary.NewEpisodes),
		logging.Int("failed", summary.Failed))
}

// EnqueueDigests queues one orchestrator run per user on the given
// frequency. The job id carries the date so a rerun on the same day
// deduplicates instead of doubling up.
func (d *Daemon) EnqueueDigests(ctx context.Context, period store.DigestPeriod) (int, error) {
	users, err := d.store.ListUsersByFrequency(ctx, period)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, user := range users {
		jobID := fmt.Sprintf("orchestrator-%s-%s-%s", user.ID, period, time.Now().UTC().Format("20060102"))
		_, created, err := d.queue.Add(ctx, queue.QueueOrchestrator, "produce digest for "+user.Email,
			orchestrator.Payload{UserID: user.ID, Frequency: period},
			queue.AddOptions{JobID: jobID})
		if err != nil {
			return queued, err
		}
		if created {
			queued++
		}
	}
	return queued, nil
}

func (d *Daemon) enqueueDigests(ctx context.Context, period store.DigestPeriod) {
	queued, err := d.EnqueueDigests(ctx, period)
	if err != nil {
		d.logger.Error("scheduled digest enqueue failed",
			logging.String("period", string(period)),
			logging.Error(err))
		return
	}
	d.logger.Info("scheduled digests queued",
		logging.String("period", string(period)),
		logging.Int("users", queued))
}
