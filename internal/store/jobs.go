package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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

func kindStrings(kinds []schema.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func (j *jobStore) CreateJob(ctx context.Context, sum *refresh.Summary) error {
	_, err := j.s.db.Exec(ctx, `
		INSERT INTO refresh_jobs (id, origin, scope, kinds, force, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sum.JobID, sum.Origin, sum.Scope, kindStrings(sum.Kinds), sum.Force, string(sum.Status), sum.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", sum.JobID, err)
	}
	return nil
}

func (j *jobStore) FinishJob(ctx context.Context, sum *refresh.Summary) error {
	details, err := json.Marshal(sum.ErrorDetails)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	_, err = j.s.db.Exec(ctx, `
		UPDATE refresh_jobs SET
			status = $2, updated = $3, skipped = $4, errors = $5,
			error_details = $6, failure = $7, duration_ms = $8, finished_at = $9
		WHERE id = $1`,
		sum.JobID, string(sum.Status), sum.Updated, sum.Skipped, sum.Errors,
		details, sum.Failure, sum.DurationMS, sum.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", sum.JobID, err)
	}
	return nil
}

func (j *jobStore) RunningJob(ctx context.Context, origin string, kind schema.Kind) (string, error) {
	var id string
	err := j.s.db.QueryRow(ctx, `
		SELECT id::text FROM refresh_jobs
		WHERE origin = $1 AND $2 = ANY(kinds) AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`, origin, string(kind)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("running job: %w", err)
	}
	return id, nil
}

const summaryColumns = `id::text, origin, scope, kinds, force, status, updated, skipped, errors,
	error_details, failure, duration_ms, started_at, finished_at`

func (j *jobStore) LastFinished(ctx context.Context, origin string) (*refresh.Summary, error) {
	sum, err := j.scanSummary(j.s.db.QueryRow(ctx, `
		SELECT `+summaryColumns+` FROM refresh_jobs
		WHERE origin = $1 AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`, origin))
	if err != nil {
		return nil, fmt.Errorf("last finished job: %w", err)
	}
	return sum, nil
}

func (j *jobStore) GetJob(ctx context.Context, id string) (*refresh.Summary, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	sum, err := j.scanSummary(j.s.db.QueryRow(ctx, `
		SELECT `+summaryColumns+` FROM refresh_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return sum, nil
}

// scanSummary returns nil, nil when the row does not exist.
func (j *jobStore) scanSummary(row pgx.Row) (*refresh.Summary, error) {
	var (
		sum     refresh.Summary
		kinds   []string
		status  string
		details []byte
	)
	err := row.Scan(&sum.JobID, &sum.Origin, &sum.Scope, &kinds, &sum.Force, &status,
		&sum.Updated, &sum.Skipped, &sum.Errors, &details, &sum.Failure,
		&sum.DurationMS, &sum.StartedAt, &sum.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sum.Status = refresh.Status(status)
	for _, k := range kinds {
		sum.Kinds = append(sum.Kinds, schema.Kind(k))
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &sum.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
	}
	return &sum, nil
}
