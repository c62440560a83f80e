package store

import (
	"context"
	"time"

	"confio/internal/models"
)

// TaskStore is the durable queue behind settlement retries and reputation
// recomputes. Tasks are idempotent by (kind, entity_id): enqueueing an
// already-pending task is a no-op.
type TaskStore struct {
	db DB
}

func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) Enqueue(ctx context.Context, tx Execer, id, kind, entityID, payload string, runAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, entity_id, payload, run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, entity_id) WHERE NOT done DO NOTHING
	`, id, kind, entityID, payload, runAt)
	return err
}

// ClaimDue atomically picks up due tasks, bumping attempts and pushing run_at
// forward so a crashed worker's claim expires on its own.
func (s *TaskStore) ClaimDue(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Task, error) {
	var rows []models.Task
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE tasks
		SET attempts = attempts + 1, run_at = $2
		WHERE id IN (
			SELECT id FROM tasks
			WHERE NOT done AND run_at <= $1
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, entity_id, payload, run_at, attempts, done, created_at
	`, now, now.Add(leaseFor), limit)
	return rows, err
}

func (s *TaskStore) MarkDone(ctx context.Context, tx Execer, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET done = TRUE WHERE id = $1`, taskID)
	return err
}

func (s *TaskStore) Reschedule(ctx context.Context, tx Execer, taskID string, runAt time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET run_at = $1 WHERE id = $2`, runAt, taskID)
	return err
}
