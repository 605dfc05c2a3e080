// Package store persists and loads the three entities the agent core reads
// and writes: PrebuildEvent, VmTask, and Log (§3). No sqlc-generated
// `queries` package is present in the retrieval pack (internal/database's
// own conn.go wraps one that is absent), so the query methods here are
// hand-written directly on *Store, following internal/database/custom.go's
// "methods on top of a pgxpool.Pool" idiom.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskStatus is the VmTask state machine (§3): PENDING -> RUNNING ->
// {SUCCESS | ERROR | CANCELLED}.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// PrebuildEvent owns an ordered list of VmTasks, created by the workflow
// engine and read-only from the agent core's perspective.
type PrebuildEvent struct {
	ID int64
}

// VmTask is one idempotent shell command belonging to a PrebuildEvent.
type VmTask struct {
	ID         int64
	Idx        int
	Command    string
	Status     TaskStatus
	LogGroupID int64
}

// Log is one append-only chunk within a log group; Idx is assigned by the
// writer and must never skip or repeat within a LogGroupID (§3, §8.2).
type Log struct {
	LogGroupID int64
	Idx        int64
	Content    []byte
}

// Interface is the narrow persistence surface the activity runtime drives:
// FindUniqueOrThrow-equivalent reads, task status updates, and log row
// creation (§6). *Store satisfies it; unit tests substitute an in-memory
// fake in its place instead of standing up a real Postgres (§10.4).
type Interface interface {
	GetPrebuildEventWithTasks(ctx context.Context, eventID int64) (*PrebuildEvent, []*VmTask, error)
	UpdateTaskStatus(ctx context.Context, taskID int64, status TaskStatus) error
	AppendLog(ctx context.Context, logGroupID, idx int64, content []byte) error
}

// Store wraps a pgxpool.Pool with the narrow set of operations the agent
// core needs: FindUniqueOrThrow-equivalent reads, task status updates, and
// log row creation (§6).
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against connString and verifies connectivity.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetPrebuildEventWithTasks loads a PrebuildEvent and its ordered VmTasks,
// failing loudly if the event does not exist (the FindUniqueOrThrow idiom
// named in §6).
func (s *Store) GetPrebuildEventWithTasks(ctx context.Context, eventID int64) (*PrebuildEvent, []*VmTask, error) {
	var event PrebuildEvent
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM prebuild_events WHERE id = $1`, eventID,
	).Scan(&event.ID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, fmt.Errorf("store: prebuild event %d not found: %w", eventID, err)
		}
		return nil, nil, fmt.Errorf("store: load prebuild event %d: %w", eventID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, idx, command, status, log_group_id
		   FROM vm_tasks WHERE prebuild_event_id = $1 ORDER BY idx ASC`, eventID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load tasks for prebuild event %d: %w", eventID, err)
	}
	defer rows.Close()

	var tasks []*VmTask
	for rows.Next() {
		t := &VmTask{}
		if err := rows.Scan(&t.ID, &t.Idx, &t.Command, &t.Status, &t.LogGroupID); err != nil {
			return nil, nil, fmt.Errorf("store: scan vm_task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate vm_tasks: %w", err)
	}

	return &event, tasks, nil
}

// UpdateTaskStatus persists a VmTask status transition. Callers are
// responsible for only ever moving forward through the state machine
// (§3, §5).
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID int64, status TaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vm_tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("store: update task %d status to %s: %w", taskID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update task %d status to %s: no such task", taskID, status)
	}
	return nil
}

// AppendLog persists one Log row. Callers (the prebuild log-sync loop) are
// the single writer for a given logGroupID and are responsible for
// supplying strictly increasing, gap-free idx values (§4.7, §5).
func (s *Store) AppendLog(ctx context.Context, logGroupID, idx int64, content []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (log_group_id, idx, content) VALUES ($1, $2, $3)`,
		logGroupID, idx, content,
	)
	if err != nil {
		return fmt.Errorf("store: append log group=%d idx=%d: %w", logGroupID, idx, err)
	}
	return nil
}
