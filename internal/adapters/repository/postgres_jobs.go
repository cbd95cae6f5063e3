package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

const jobColumns = `id, tenant_id, steps, inputs, rules, webhook_url, request_id, status, result, error, created_at, started_at, finished_at`

func scanJob(s rowScanner) (*domain.VerificationJob, error) {
	var j domain.VerificationJob
	var steps, inputs, rules, result, jobErr []byte
	var started, finished sql.NullTime
	if errScan := s.Scan(&j.ID, &j.TenantID, &steps, &inputs, &rules, &j.WebhookURL, &j.RequestID, &j.Status,
		&result, &jobErr, &j.CreatedAt, &started, &finished); errScan != nil {
		return nil, errScan
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{steps, &j.Steps},
		{inputs, &j.Inputs},
		{rules, &j.Rules},
		{result, &j.Result},
		{jobErr, &j.Error},
	} {
		if err := fromJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}

func (r *PostgresRepository) CreateJob(ctx context.Context, job *domain.VerificationJob) error {
	steps, err := toJSON(job.Steps)
	if err != nil {
		return err
	}
	inputs, err := toJSON(job.Inputs)
	if err != nil {
		return err
	}
	rules, err := toJSON(job.Rules)
	if err != nil {
		return err
	}
	result, err := toJSON(job.Result)
	if err != nil {
		return err
	}
	query := `INSERT INTO verification_jobs (id, tenant_id, steps, inputs, rules, webhook_url, request_id, status, result, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, errExec := r.db.ExecContext(ctx, query, job.ID, job.TenantID, steps, inputs, rules, job.WebhookURL,
		job.RequestID, string(job.Status), result, job.CreatedAt)
	return errExec
}

func (r *PostgresRepository) GetJob(ctx context.Context, tenantID, id string) (*domain.VerificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM verification_jobs WHERE id = $1 AND tenant_id = $2`
	j, errRow := scanJob(r.db.QueryRowContext(ctx, query, id, tenantID))
	if missing(errRow) {
		return nil, nil
	}
	return j, errRow
}

func (r *PostgresRepository) GetJobByID(ctx context.Context, id string) (*domain.VerificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM verification_jobs WHERE id = $1`
	j, errRow := scanJob(r.db.QueryRowContext(ctx, query, id))
	if missing(errRow) {
		return nil, nil
	}
	return j, errRow
}

// ClaimJob flips a queued job to running. Concurrent claimers race on the
// status predicate and exactly one sees a row affected.
func (r *PostgresRepository) ClaimJob(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, errExec := r.db.ExecContext(ctx,
		`UPDATE verification_jobs SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'queued'`,
		id, startedAt)
	if errExec != nil {
		return false, errExec
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepository) UpdateJobResult(ctx context.Context, id string, result domain.JobResult) error {
	raw, err := toJSON(result)
	if err != nil {
		return err
	}
	_, errExec := r.db.ExecContext(ctx, `UPDATE verification_jobs SET result = $2 WHERE id = $1`, id, raw)
	return errExec
}

// FinishJob writes the terminal state. Only running jobs can be finished.
func (r *PostgresRepository) FinishJob(ctx context.Context, job *domain.VerificationJob) error {
	result, err := toJSON(job.Result)
	if err != nil {
		return err
	}
	var jobErr []byte
	if job.Error != nil {
		if jobErr, err = toJSON(job.Error); err != nil {
			return err
		}
	}
	res, errExec := r.db.ExecContext(ctx,
		`UPDATE verification_jobs SET status = $2, result = $3, error = $4, finished_at = $5
		 WHERE id = $1 AND status = 'running'`,
		job.ID, string(job.Status), result, jobErr, nullTime(job.FinishedAt))
	if errExec != nil {
		return errExec
	}
	return expectAffected(res)
}

func (r *PostgresRepository) ListQueuedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]domain.VerificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM verification_jobs
	          WHERE status = 'queued' AND created_at < $1 ORDER BY created_at LIMIT $2`
	rows, errQuery := r.db.QueryContext(ctx, query, createdBefore, limit)
	if errQuery != nil {
		return nil, errQuery
	}
	defer closeRows(rows)

	var jobs []domain.VerificationJob
	for rows.Next() {
		j, errScan := scanJob(rows)
		if errScan != nil {
			return nil, errScan
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
