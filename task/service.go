package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Service is the entry point for composition requests. It validates the
// request, persists a pending record and hands the task to the Manager; it
// never waits on the worker.
type Service struct {
	tracker *Tracker
	manager *Manager
	logger  *slog.Logger
}

func NewService(tracker *Tracker, manager *Manager, logger *slog.Logger) *Service {
	return &Service{tracker: tracker, manager: manager, logger: logger}
}

// Create registers a new composition task for the given ordered input refs
// and schedules its worker. Requests with fewer than two inputs are rejected
// before any task exists.
func (s *Service) Create(ctx context.Context, inputRefs []string, requester string) (*Record, error) {
	if len(inputRefs) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 videos, got %d", ErrInvalidRequest, len(inputRefs))
	}

	rec := &Record{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
		Status:    StatusPending,
		InputRefs: append([]string(nil), inputRefs...),
		Requester: requester,
		CreatedAt: time.Now(),
	}
	if err := s.tracker.Register(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to register task: %w", err)
	}

	s.manager.StartWorker(rec.ID)
	s.logger.Info("task submitted", "task_id", rec.ID, "inputs", len(rec.InputRefs))
	return rec.Clone(), nil
}

// Retry creates a fresh task with the same inputs as an existing one. The
// original record is left untouched; failed and cancelled tasks are never
// re-run in place.
func (s *Service) Retry(ctx context.Context, id string) (*Record, error) {
	prev, err := s.tracker.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, prev.InputRefs, prev.Requester)
}
