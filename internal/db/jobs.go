package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateJob(ctx context.Context, job *models.JobRecord) error {
	query := `
		INSERT INTO jobs (id, kind, keyword, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`

	err := db.QueryRowContext(ctx, query, job.ID, job.Kind, job.Keyword, job.State).Scan(&job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil // already recorded by another process
	}
	return err
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	query := `
		SELECT id, kind, keyword, state, result, error_message, started_at, finished_at, created_at
		FROM jobs
		WHERE id = $1
	`

	job := &models.JobRecord{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Kind, &job.Keyword, &job.State, &job.Result,
		&job.ErrorMessage, &job.StartedAt, &job.FinishedAt, &job.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (db *DB) UpdateJobStatus(ctx context.Context, id uuid.UUID, state models.JobState) error {
	now := time.Now()
	query := `UPDATE jobs SET state = $1, started_at = $2 WHERE id = $3`

	if state == models.JobStateCompleted || state == models.JobStateError {
		query = `UPDATE jobs SET state = $1, finished_at = $2 WHERE id = $3`
	}

	_, err := db.ExecContext(ctx, query, state, now, id)
	return err
}

func (db *DB) UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET state = $1, error_message = $2, finished_at = $3
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.JobStateError, errorMessage, time.Now(), id)
	return err
}

func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	query := `
		UPDATE jobs
		SET state = $1, result = $2, finished_at = $3
		WHERE id = $4
	`
	_, err = db.ExecContext(ctx, query, models.JobStateCompleted, data, time.Now(), id)
	return err
}
