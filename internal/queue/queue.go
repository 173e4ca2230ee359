package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxItemBytes = 1 << 20

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.WorkflowID == "" || req.NodeID == "" {
		return "", fmt.Errorf("workflow_id and node_id are required")
	}
	if req.Event == "" {
		return "", fmt.Errorf("event is empty")
	}

	item, err := json.Marshal(req.Item)
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	if len(item) > maxItemBytes {
		return "", fmt.Errorf("item exceeds max size (%d bytes)", maxItemBytes)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var requestID any
	if req.RequestID != "" {
		requestID = req.RequestID
	}

	_, err = q.db.ExecContext(ctx, `
INSERT INTO trigger_executions(id, trigger_name, workflow_id, node_id, event, item, status, request_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Trigger, req.WorkflowID, req.NodeID, req.Event, string(item), StatusQueued, requestID, now)
	if err != nil {
		return "", fmt.Errorf("enqueue execution: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued execution and marks it running. Returns
// (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Execution, error) {
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM trigger_executions
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE trigger_executions
SET status = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+executionColumns+`;
`, StatusQueued, StatusRunning)

	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue execution: %w", err)
	}
	return e, nil
}

// Complete marks a running execution terminal.
func (q *Queue) Complete(ctx context.Context, id string, status Status) error {
	if id == "" {
		return fmt.Errorf("execution id is empty")
	}
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	res, err := q.db.ExecContext(ctx, `UPDATE trigger_executions SET status = ? WHERE id = ?;`, status, id)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Execution, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM trigger_executions WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// Recent returns the newest executions first.
func (q *Queue) Recent(ctx context.Context, limit int) ([]*Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+executionColumns+`
FROM trigger_executions
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Depth returns the number of queued executions.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trigger_executions WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RecoverRunning requeues executions left running by a previous process
// and returns how many were requeued.
func (q *Queue) RecoverRunning(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE trigger_executions SET status = ? WHERE status = ?;`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover running executions: %w", err)
	}
	return int(n), nil
}

// Prune deletes finished executions created before cutoff. Queued and
// running executions are kept regardless of age.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM trigger_executions
WHERE status IN (?, ?) AND created_at < ?;
`, StatusSucceeded, StatusFailed, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return int(n), nil
}

const executionColumns = `id, trigger_name, workflow_id, node_id, event, item, status, request_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*Execution, error) {
	var (
		e          Execution
		item       string
		statusS    string
		requestID  sql.NullString
		createdAtS string
	)
	if err := s.Scan(&e.ID, &e.Trigger, &e.WorkflowID, &e.NodeID, &e.Event, &item, &statusS, &requestID, &createdAtS); err != nil {
		return nil, err
	}
	e.Item = json.RawMessage(item)
	e.Status = Status(statusS)
	if requestID.Valid {
		e.RequestID = requestID.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}
