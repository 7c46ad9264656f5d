package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CancelOutcome tells the caller of RequestCancel how the cancellation will
// take effect.
type CancelOutcome int

const (
	// CancelImmediate means the task was still pending and is now cancelled.
	CancelImmediate CancelOutcome = iota
	// CancelDeferred means the worker will observe the request at its next
	// safe point and finish the transition itself.
	CancelDeferred
)

// Tracker serializes every read-modify-write of a task's status and progress.
// Workers and API callers both go through it, so readers always observe a
// consistent record and the state machine in task.go is enforced in exactly
// one place.
type Tracker struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Register persists a freshly created pending record.
func (tr *Tracker) Register(ctx context.Context, rec *Record) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.store.Create(ctx, rec)
}

// Claim atomically moves a pending task to processing on behalf of a worker.
// A failed claim means another worker got there first or the task was
// cancelled while queued; the caller must exit without side effects.
func (tr *Tracker) Claim(ctx context.Context, id string) (*Record, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, err := tr.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(rec.Status, StatusProcessing) {
		return nil, transitionError(id, rec.Status, StatusProcessing)
	}
	rec.Status = StatusProcessing
	rec.StartedAt = time.Now()
	if err := tr.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateProgress records a new progress value for a processing task.
// Out-of-range values and regressions are rejected rather than clamped so
// composer bugs surface early.
func (tr *Tracker) UpdateProgress(ctx context.Context, id string, progress int) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, err := tr.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if progress < 0 || progress > 100 {
		tr.logger.Warn("rejecting out-of-range progress", "task_id", id, "progress", progress)
		return fmt.Errorf("%w: %d", ErrInvalidProgress, progress)
	}
	if rec.Status != StatusProcessing {
		tr.logger.Warn("rejecting progress update outside processing",
			"task_id", id, "status", rec.Status)
		return fmt.Errorf("%w: task %s: progress update while %s", ErrIllegalTransition, id, rec.Status)
	}
	if progress < rec.Progress {
		tr.logger.Warn("rejecting progress regression",
			"task_id", id, "current", rec.Progress, "proposed", progress)
		return fmt.Errorf("%w: task %s: %d -> %d", ErrProgressRegression, id, rec.Progress, progress)
	}
	rec.Progress = progress
	return tr.store.Update(ctx, rec)
}

// RequestCancel applies the cancellation rules: pending tasks cancel at once,
// processing tasks get the flag set and cancel at the worker's next safe
// point, terminal tasks reject the request without mutation. A cancellation
// is accepted at most once per task; repeats in the deferred window are
// rejected.
func (tr *Tracker) RequestCancel(ctx context.Context, id string) (CancelOutcome, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, err := tr.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	switch rec.Status {
	case StatusPending:
		rec.CancelRequested = true
		rec.Status = StatusCancelled
		rec.CompletedAt = time.Now()
		if err := tr.store.Update(ctx, rec); err != nil {
			return 0, err
		}
		return CancelImmediate, nil
	case StatusProcessing:
		if rec.CancelRequested {
			return 0, fmt.Errorf("%w: task %s cancellation already requested", ErrCancelRejected, id)
		}
		rec.CancelRequested = true
		if err := tr.store.Update(ctx, rec); err != nil {
			return 0, err
		}
		return CancelDeferred, nil
	default:
		return 0, fmt.Errorf("%w: task %s is %s", ErrCancelRejected, id, rec.Status)
	}
}

// CancelObserved finishes a deferred cancellation once the worker has stopped
// at a safe point. Progress stays frozen at the last accepted value.
func (tr *Tracker) CancelObserved(ctx context.Context, id string) error {
	return tr.finish(ctx, id, StatusCancelled, func(rec *Record) {})
}

// Complete marks a successful merge. Progress is forced to 100.
func (tr *Tracker) Complete(ctx context.Context, id, outputRef string) error {
	return tr.finish(ctx, id, StatusCompleted, func(rec *Record) {
		rec.Progress = 100
		rec.OutputRef = outputRef
	})
}

// Fail records a terminal failure with its error text.
func (tr *Tracker) Fail(ctx context.Context, id, message string) error {
	return tr.finish(ctx, id, StatusFailed, func(rec *Record) {
		rec.Error = message
	})
}

func (tr *Tracker) finish(ctx context.Context, id string, to Status, apply func(*Record)) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, err := tr.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(rec.Status, to) {
		tr.logger.Error("rejecting illegal status transition",
			"task_id", id, "from", rec.Status, "to", to)
		return transitionError(id, rec.Status, to)
	}
	rec.Status = to
	rec.CompletedAt = time.Now()
	apply(rec)
	return tr.store.Update(ctx, rec)
}

// Snapshot returns a consistent copy of the record; it never blocks on a
// worker.
func (tr *Tracker) Snapshot(ctx context.Context, id string) (*Record, error) {
	return tr.store.Get(ctx, id)
}

// List returns consistent copies of all records, optionally filtered by
// status.
func (tr *Tracker) List(ctx context.Context, status Status) ([]*Record, error) {
	return tr.store.List(ctx, status)
}
