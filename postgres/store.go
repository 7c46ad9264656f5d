// Package postgres implements the task record store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vidcompose/task"
)

// Store persists task records in the tasks table. Updates touch a single row
// at a time; no cross-record transactions are used.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, rec *task.Record) error {
	refs, err := json.Marshal(rec.InputRefs)
	if err != nil {
		return fmt.Errorf("failed to encode input refs: %w", err)
	}

	query := `
		INSERT INTO tasks (id, status, progress, input_refs, output_ref, error_message,
			requester, cancel_requested, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Status,
		rec.Progress,
		refs,
		nullString(rec.OutputRef),
		nullString(rec.Error),
		nullString(rec.Requester),
		rec.CancelRequested,
		rec.CreatedAt.UTC(),
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Record, error) {
	query := `
		SELECT id, status, progress, input_refs, output_ref, error_message,
			requester, cancel_requested, created_at, started_at, completed_at
		FROM tasks
		WHERE id = $1
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec *task.Record) error {
	refs, err := json.Marshal(rec.InputRefs)
	if err != nil {
		return fmt.Errorf("failed to encode input refs: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = $1, progress = $2, input_refs = $3, output_ref = $4,
			error_message = $5, cancel_requested = $6, started_at = $7,
			completed_at = $8, updated_at = $9
		WHERE id = $10
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.Status,
		rec.Progress,
		refs,
		nullString(rec.OutputRef),
		nullString(rec.Error),
		rec.CancelRequested,
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		time.Now().UTC(),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, rec.ID)
	}
	return nil
}

func (s *Store) List(ctx context.Context, status task.Status) ([]*task.Record, error) {
	query := `
		SELECT id, status, progress, input_refs, output_ref, error_message,
			requester, cancel_requested, created_at, started_at, completed_at
		FROM tasks
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var records []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*task.Record, error) {
	var rec task.Record
	var refs []byte
	var outputRef, errorMsg, requester sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Status,
		&rec.Progress,
		&refs,
		&outputRef,
		&errorMsg,
		&requester,
		&rec.CancelRequested,
		&rec.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(refs, &rec.InputRefs); err != nil {
		return nil, fmt.Errorf("failed to decode input refs: %w", err)
	}
	rec.OutputRef = outputRef.String
	rec.Error = errorMsg.String
	rec.Requester = requester.String
	rec.StartedAt = startedAt.Time
	rec.CompletedAt = completedAt.Time
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
