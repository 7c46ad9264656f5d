package task

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the full set of legal status changes. Anything not listed
// here is an internal consistency error.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrInvalidRequest     = errors.New("invalid composition request")
	ErrNotFound           = errors.New("task not found")
	ErrIllegalTransition  = errors.New("illegal status transition")
	ErrInvalidProgress    = errors.New("progress value out of range")
	ErrProgressRegression = errors.New("progress regression")
	ErrCancelRejected     = errors.New("cancellation rejected")
)

// Record is the persisted view of a composition task. All mutation goes
// through the Tracker; no other component writes these fields.
type Record struct {
	ID              string    `json:"taskId"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	InputRefs       []string  `json:"inputRefs"`
	OutputRef       string    `json:"outputRef,omitempty"`
	Error           string    `json:"error,omitempty"`
	Requester       string    `json:"requester,omitempty"`
	CancelRequested bool      `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
	DownloadURL     string    `json:"downloadUrl,omitempty"` // filled by the API layer, never persisted
}

// Clone returns a copy of the record safe to hand to concurrent readers.
func (r *Record) Clone() *Record {
	cp := *r
	cp.InputRefs = append([]string(nil), r.InputRefs...)
	return &cp
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: task %s: %s -> %s", ErrIllegalTransition, id, from, to)
}
