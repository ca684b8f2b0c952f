package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
)

// Jobs returns the refresh_jobs table as a refresh.JobStore.
func (s *Store) Jobs() refresh.JobStore {
	return &jobStore{s: s}
}

type jobStore struct {
	s *Store
}

func (j *jobStore) CreateJob(ctx context.Context, sum *refresh.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = j.s.db.ExecContext(ctx, `
		INSERT INTO refresh_jobs (id, origin, scope, status, started_at, summary)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.JobID, sum.Origin, sum.Scope, string(sum.Status), toMillis(sum.StartedAt), string(data))
	if err != nil {
		return fmt.Errorf("create job %s: %w", sum.JobID, err)
	}
	return nil
}

func (j *jobStore) FinishJob(ctx context.Context, sum *refresh.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var finished any
	if sum.FinishedAt != nil {
		finished = toMillis(*sum.FinishedAt)
	}
	_, err = j.s.db.ExecContext(ctx, `
		UPDATE refresh_jobs SET status = ?, finished_at = ?, summary = ? WHERE id = ?`,
		string(sum.Status), finished, string(data), sum.JobID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", sum.JobID, err)
	}
	return nil
}

// RunningJob matches kind against the comma-separated scope column.
func (j *jobStore) RunningJob(ctx context.Context, origin string, kind schema.Kind) (string, error) {
	var id string
	err := j.s.db.QueryRowContext(ctx, `
		SELECT id FROM refresh_jobs
		WHERE origin = ? AND status = 'running'
		  AND (',' || scope || ',') LIKE ?
		ORDER BY started_at DESC LIMIT 1`, origin, "%,"+string(kind)+",%").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("running job: %w", err)
	}
	return id, nil
}

func (j *jobStore) LastFinished(ctx context.Context, origin string) (*refresh.Summary, error) {
	sum, err := scanSummary(j.s.db.QueryRowContext(ctx, `
		SELECT summary FROM refresh_jobs
		WHERE origin = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`, origin))
	if err != nil {
		return nil, fmt.Errorf("last finished job: %w", err)
	}
	return sum, nil
}

func (j *jobStore) GetJob(ctx context.Context, id string) (*refresh.Summary, error) {
	sum, err := scanSummary(j.s.db.QueryRowContext(ctx, `SELECT summary FROM refresh_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return sum, nil
}

func scanSummary(row *sql.Row) (*refresh.Summary, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sum refresh.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &sum, nil
}
