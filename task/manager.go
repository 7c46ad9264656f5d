package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vidcompose/config"
)

// Composer performs the actual multi-video merge. It reports fractional
// progress through the callback and honors ctx cancellation at its safe
// points. It owns no lifecycle decisions.
type Composer interface {
	Compose(ctx context.Context, inputs []string, outputPath string, report func(percent int)) error
}

// Manager is the sole authority over task lifecycle: it is the only component
// that starts workers or moves tasks between states (always through the
// Tracker). One goroutine runs per active task; there is no pooling.
type Manager struct {
	cfg      *config.Config
	tracker  *Tracker
	composer Composer
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	rootCtx context.Context
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, tracker *Tracker, composer Composer, logger *slog.Logger) (*Manager, error) {
	if tracker == nil || composer == nil {
		return nil, errors.New("manager requires a tracker and a composer")
	}
	return &Manager{
		cfg:      cfg,
		tracker:  tracker,
		composer: composer,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		rootCtx:  context.Background(),
	}, nil
}

// Start launches the background janitor and watchdog loops. Workers started
// after this call are children of ctx and stop when it is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.rootCtx = ctx
	m.mu.Unlock()
	go m.janitorLoop(ctx)
	go m.watchdogLoop(ctx)
}

// Wait blocks until every live worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// StartWorker spawns exactly one worker goroutine for the task. The worker
// claims the task by atomically moving it from pending to processing; if the
// claim fails it exits without side effects, so the merge body runs at most
// once per task even under concurrent StartWorker calls.
func (m *Manager) StartWorker(id string) {
	m.mu.Lock()
	parent := m.rootCtx
	if _, ok := m.cancels[id]; ok {
		m.mu.Unlock()
		m.logger.Warn("worker already registered", "task_id", id)
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runWorker(ctx, id)
}

func (m *Manager) runWorker(ctx context.Context, id string) {
	defer m.wg.Done()
	logger := m.logger.With("task_id", id)
	outputPath := m.outputPath(id)

	// Worker-local resources are released on every exit path, including
	// panics inside the merge body.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", "panic", r)
			os.Remove(outputPath)
			if err := m.tracker.Fail(context.Background(), id, fmt.Sprintf("internal error: %v", r)); err != nil {
				logger.Error("failed to record panic outcome", "error", err)
			}
		}
		m.release(id)
	}()

	claimed, err := m.tracker.Claim(ctx, id)
	if err != nil {
		logger.Info("worker exiting without claim", "reason", err)
		return
	}
	logger.Info("processing task", "inputs", len(claimed.InputRefs))

	report := func(percent int) {
		if err := m.tracker.UpdateProgress(ctx, id, percent); err != nil {
			logger.Warn("progress update rejected", "error", err)
		}
	}

	err = m.composer.Compose(ctx, m.resolveInputs(claimed.InputRefs), outputPath, report)

	// Terminal updates use a fresh context so a cancelled worker can still
	// persist its final state.
	switch {
	case err == nil:
		logger.Info("task completed")
		if err := m.tracker.Complete(context.Background(), id, outputPath); err != nil {
			logger.Error("failed to record completion", "error", err)
		}
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		logger.Info("task cancelled at safe point")
		os.Remove(outputPath)
		if err := m.tracker.CancelObserved(context.Background(), id); err != nil {
			logger.Error("failed to record cancellation", "error", err)
		}
	default:
		logger.Warn("task failed", "error", err)
		os.Remove(outputPath)
		if err := m.tracker.Fail(context.Background(), id, err.Error()); err != nil {
			logger.Error("failed to record failure", "error", err)
		}
	}
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
}

// Cancel requests cancellation. Pending tasks cancel immediately; processing
// tasks get their worker context cancelled and finish the transition at the
// next safe point; terminal tasks reject the request.
func (m *Manager) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	outcome, err := m.tracker.RequestCancel(ctx, id)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		return outcome, nil
	}

	// A deferred outcome with no live worker means nobody will ever observe
	// the flag: a processing record restored from the store after a restart.
	// Finish the transition here instead of leaving the task stuck.
	if outcome == CancelDeferred {
		m.logger.Warn("cancelling processing task with no live worker", "task_id", id)
		os.Remove(m.outputPath(id))
		if err := m.tracker.CancelObserved(ctx, id); err != nil {
			return 0, err
		}
		return CancelImmediate, nil
	}
	return outcome, nil
}

// Get returns the current persisted view of a task.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.tracker.Snapshot(ctx, id)
}

// List returns a consistent snapshot of all tasks, optionally filtered by
// status.
func (m *Manager) List(ctx context.Context, status Status) ([]*Record, error) {
	return m.tracker.List(ctx, status)
}

func (m *Manager) outputPath(id string) string {
	return filepath.Join(m.cfg.WorkDir, fmt.Sprintf("%s_output.mp4", id))
}

func (m *Manager) resolveInputs(refs []string) []string {
	if m.cfg.InputDir == "" {
		return refs
	}
	paths := make([]string, len(refs))
	for i, ref := range refs {
		if filepath.IsAbs(ref) {
			paths[i] = ref
			continue
		}
		paths[i] = filepath.Join(m.cfg.InputDir, ref)
	}
	return paths
}

// GetFilePath resolves a download filename inside the work directory.
func (m *Manager) GetFilePath(filename string) (string, error) {
	// Security: Prevent path traversal
	cleanFilename := filepath.Base(filename)
	if cleanFilename != filename {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(m.cfg.WorkDir, cleanFilename)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}

// janitorLoop periodically removes output files of terminal tasks past their
// retention window. Task records themselves are kept.
func (m *Manager) janitorLoop(ctx context.Context) {
	if m.cfg.OutputLifetime <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.OutputLifetime / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("janitor loop shutting down")
			return
		case <-ticker.C:
			records, err := m.tracker.List(ctx, StatusCompleted)
			if err != nil {
				m.logger.Error("janitor list failed", "error", err)
				continue
			}
			for _, rec := range records {
				if rec.OutputRef == "" || time.Since(rec.CompletedAt) < m.cfg.OutputLifetime {
					continue
				}
				m.logger.Info("removing expired output", "task_id", rec.ID, "path", rec.OutputRef)
				os.Remove(rec.OutputRef)
			}
		}
	}
}

// watchdogLoop cancels tasks stuck in processing for longer than MaxTaskAge.
// The timeout is an outside caller of Cancel, not a composer feature.
func (m *Manager) watchdogLoop(ctx context.Context) {
	if m.cfg.MaxTaskAge <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.MaxTaskAge / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("watchdog loop shutting down")
			return
		case <-ticker.C:
			records, err := m.tracker.List(ctx, StatusProcessing)
			if err != nil {
				m.logger.Error("watchdog list failed", "error", err)
				continue
			}
			for _, rec := range records {
				if rec.CancelRequested || time.Since(rec.StartedAt) < m.cfg.MaxTaskAge {
					continue
				}
				m.logger.Warn("cancelling stale task", "task_id", rec.ID, "started_at", rec.StartedAt)
				if _, err := m.Cancel(ctx, rec.ID); err != nil {
					m.logger.Error("failed to cancel stale task", "task_id", rec.ID, "error", err)
				}
			}
		}
	}
}
