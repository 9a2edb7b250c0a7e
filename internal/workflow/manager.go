// Package workflow runs registered stage handlers against the durable queue.
// Each queue gets its own pool of worker goroutines that claim jobs, execute
// the handler, and settle the job as completed, retried, or failed.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sifter/internal/config"
	"sifter/internal/logging"
	"sifter/internal/queue"
	"sifter/internal/services"
	"sifter/internal/stage"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultErrorInterval = 10 * time.Second
	busyReleaseDelay     = 15 * time.Second
)

type lane struct {
	queue   string
	handler stage.Handler
	workers int
}

// Manager coordinates queue processing using registered stage handlers.
type Manager struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger

	pollInterval  time.Duration
	errorInterval time.Duration

	lanes     map[string]*lane
	laneOrder []string

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a manager with no handlers registered.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	poll := defaultPollInterval
	if cfg != nil && cfg.Workflow.QueuePollInterval > 0 {
		poll = time.Duration(cfg.Workflow.QueuePollInterval) * time.Second
	}
	errInterval := defaultErrorInterval
	if cfg != nil && cfg.Workflow.ErrorRetryInterval > 0 {
		errInterval = time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second
	}
	return &Manager{
		cfg:           cfg,
		store:         store,
		logger:        logging.NewComponentLogger(logger, "workflow"),
		pollInterval:  poll,
		errorInterval: errInterval,
		lanes:         make(map[string]*lane),
	}
}

// Register binds a handler to a queue. Concurrency comes from configuration
// and defaults to a single worker. Registering twice replaces the handler.
func (m *Manager) Register(queueName string, handler stage.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	workers := 1
	if m.cfg != nil {
		if n, ok := m.cfg.Workflow.QueueConcurrency[queueName]; ok && n > 0 {
			workers = n
		}
	}
	if _, exists := m.lanes[queueName]; !exists {
		m.laneOrder = append(m.laneOrder, queueName)
	}
	m.lanes[queueName] = &lane{queue: queueName, handler: handler, workers: workers}
}

// Start reclaims jobs stranded by a previous crash and spawns the worker
// pools. It returns immediately; processing continues until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.lanes) == 0 {
		m.mu.Unlock()
		return errors.New("no stage handlers registered")
	}

	reclaimed, err := m.store.ResetRunning(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if reclaimed > 0 {
		m.logger.Info("requeued interrupted jobs", logging.Int64("count", reclaimed))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, name := range m.laneOrder {
		ln := m.lanes[name]
		m.wg.Add(ln.workers)
		for i := 0; i < ln.workers; i++ {
			go m.runWorker(runCtx, ln)
		}
	}
	m.mu.Unlock()
	return nil
}

// Stop terminates background processing and waits for in-flight jobs.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastError returns the most recent claim failure, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) runWorker(ctx context.Context, ln *lane) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String("queue", ln.queue))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.Claim(ctx, ln.queue)
		if err != nil {
			m.setLastError(err)
			logger.Error("failed to claim next job", logging.Error(err))
			m.sleep(ctx, m.errorInterval)
			continue
		}
		if job == nil {
			m.sleep(ctx, m.pollInterval)
			continue
		}

		m.processJob(ctx, ln, logger, job)
	}
}

func (m *Manager) processJob(ctx context.Context, ln *lane, logger *slog.Logger, job *queue.Job) {
	jobCtx := services.WithQueue(services.WithJobID(ctx, job.JobID()), ln.queue)
	logger = logger.With(logging.String("job_id", job.JobID()), logging.Int("attempt", job.Attempt()))
	logger.Info("job started", logging.String("name", job.Name()))

	err := ln.handler.Execute(jobCtx, job)
	if err == nil {
		if cerr := m.store.Complete(context.WithoutCancel(ctx), job.JobID()); cerr != nil {
			logger.Error("failed to mark job completed", logging.Error(cerr))
		} else {
			logger.Info("job completed", logging.String("name", job.Name()))
		}
		return
	}

	settle := context.WithoutCancel(ctx)
	if services.IsBusy(err) {
		logger.Info("job yielded, entity busy", logging.Error(err))
		if rerr := m.store.Release(settle, job, busyReleaseDelay); rerr != nil {
			logger.Error("failed to release busy job", logging.Error(rerr))
		}
		return
	}

	logger.Warn("job failed", logging.Error(err), logging.Bool("retryable", services.Retryable(err)))
	if ferr := m.store.Fail(settle, job, err); ferr != nil {
		logger.Error("failed to settle failed job", logging.Error(ferr))
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Health runs every registered handler's health check, sorted by queue name.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	m.mu.RLock()
	handlers := make(map[string]stage.Handler, len(m.lanes))
	names := make([]string, 0, len(m.lanes))
	for name, ln := range m.lanes {
		handlers[name] = ln.handler
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	checks := make([]stage.Health, 0, len(names))
	for _, name := range names {
		checks = append(checks, handlers[name].HealthCheck(ctx))
	}
	return checks
}
