package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/bulkupload-back/internal/domain"
)

//go:embed schema_postgres.sql
var postgresSchema string

const (
	insertWorkItemSQL = `
		INSERT INTO bulk_work_items (
			job_id, sequence_id, status, data, success_result, failure_result,
			iteration_id, created_on, last_updated_on
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	updateWorkItemSQL = `
		UPDATE bulk_work_items
		SET status = $3,
			data = $4,
			success_result = $5,
			failure_result = $6,
			iteration_id = $7,
			last_updated_on = $8
		WHERE job_id = $1 AND sequence_id = $2`

	selectWorkItemsSQL = `
		SELECT job_id, sequence_id, status, data, success_result, failure_result,
			iteration_id, created_on, last_updated_on
		FROM bulk_work_items
		WHERE job_id = $1`
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply pg schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bulk_jobs (
			id,
			object_type,
			status,
			task_count,
			uploaded_by,
			organisation_id,
			failure_result,
			created_on,
			process_start_time,
			process_end_time,
			last_updated_on
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		job.ID,
		job.ObjectType,
		string(job.Status),
		job.TaskCount,
		job.UploadedBy,
		job.OrganisationID,
		job.FailureResult,
		job.CreatedOn,
		nullableTime(job.ProcessStartTime),
		nullableTime(job.ProcessEndTime),
		job.LastUpdatedOn,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert job %s: %w", job.ID, ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE bulk_jobs
		SET status = $2,
			task_count = $3,
			failure_result = $4,
			process_start_time = $5,
			process_end_time = $6,
			last_updated_on = $7
		WHERE id = $1
	`,
		job.ID,
		string(job.Status),
		job.TaskCount,
		job.FailureResult,
		nullableTime(job.ProcessStartTime),
		nullableTime(job.ProcessEndTime),
		job.LastUpdatedOn,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var (
		job          domain.Job
		status       string
		processStart *time.Time
		processEnd   *time.Time
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, object_type, status, task_count, uploaded_by, organisation_id, failure_result,
			created_on, process_start_time, process_end_time, last_updated_on
		FROM bulk_jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID,
		&job.ObjectType,
		&status,
		&job.TaskCount,
		&job.UploadedBy,
		&job.OrganisationID,
		&job.FailureResult,
		&job.CreatedOn,
		&processStart,
		&processEnd,
		&job.LastUpdatedOn,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}

	job.Status = domain.JobStatus(status)
	if processStart != nil {
		job.ProcessStartTime = *processStart
	}
	if processEnd != nil {
		job.ProcessEndTime = *processEnd
	}
	return &job, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	command, err := s.pool.Exec(ctx, `DELETE FROM bulk_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(insertWorkItemSQL, insertArgs(item)...)
	}
	return s.sendBatch(ctx, batch, len(items), "insert work items", false)
}

func (s *PostgresStore) CreateWorkItem(ctx context.Context, item domain.WorkItem) error {
	if _, err := s.pool.Exec(ctx, insertWorkItemSQL, insertArgs(item)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert work item %s/%d: %w", item.JobID, item.SequenceID, ErrConflict)
		}
		return fmt.Errorf("insert work item %s/%d: %w", item.JobID, item.SequenceID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(updateWorkItemSQL, updateArgs(item)...)
	}
	return s.sendBatch(ctx, batch, len(items), "update work items", true)
}

func (s *PostgresStore) UpdateWorkItem(ctx context.Context, item domain.WorkItem) error {
	command, err := s.pool.Exec(ctx, updateWorkItemSQL, updateArgs(item)...)
	if err != nil {
		return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, err)
	}
	if command.RowsAffected() == 0 {
		return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListWorkItemsNotCompleted(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	return s.queryWorkItems(ctx, selectWorkItemsSQL+` AND status <> $2 ORDER BY sequence_id`, jobID, string(domain.TaskStatusCompleted))
}

func (s *PostgresStore) ListWorkItems(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	return s.queryWorkItems(ctx, selectWorkItemsSQL+` ORDER BY sequence_id`, jobID)
}

func (s *PostgresStore) CountWorkItemsByStatus(ctx context.Context, jobID string) (domain.StatusCounts, error) {
	var counts domain.StatusCounts
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM bulk_work_items
		WHERE job_id = $1
		GROUP BY status
	`, jobID)
	if err != nil {
		return counts, fmt.Errorf("count work items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			total  int
		)
		if err := rows.Scan(&status, &total); err != nil {
			return counts, fmt.Errorf("scan work item count: %w", err)
		}
		counts.AddN(domain.TaskStatus(status), total)
	}
	if rows.Err() != nil {
		return counts, fmt.Errorf("iterate work item counts: %w", rows.Err())
	}
	return counts, nil
}

// sendBatch runs batch inside one transaction so a failing statement rolls
// back the whole call.
func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, size int, op string, mustAffect bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < size; i++ {
		command, err := results.Exec()
		if err != nil {
			_ = results.Close()
			if isUniqueViolation(err) {
				return fmt.Errorf("%s: %w", op, ErrConflict)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		if mustAffect && command.RowsAffected() == 0 {
			_ = results.Close()
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) queryWorkItems(ctx context.Context, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.WorkItem, 0)
	for rows.Next() {
		var (
			item          domain.WorkItem
			status        string
			data          []byte
			successResult []byte
			failureResult []byte
		)
		if err := rows.Scan(
			&item.JobID,
			&item.SequenceID,
			&status,
			&data,
			&successResult,
			&failureResult,
			&item.IterationID,
			&item.CreatedOn,
			&item.LastUpdatedOn,
		); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item.Status = domain.TaskStatus(status)
		item.Data = json.RawMessage(data)
		item.SuccessResult = nullableRaw(successResult)
		item.FailureResult = nullableRaw(failureResult)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate work items: %w", rows.Err())
	}
	return items, nil
}

func insertArgs(item domain.WorkItem) []any {
	return []any{
		item.JobID,
		item.SequenceID,
		string(item.Status),
		jsonText(item.Data),
		jsonText(item.SuccessResult),
		jsonText(item.FailureResult),
		item.IterationID,
		item.CreatedOn,
		item.LastUpdatedOn,
	}
}

func updateArgs(item domain.WorkItem) []any {
	return []any{
		item.JobID,
		item.SequenceID,
		string(item.Status),
		jsonText(item.Data),
		jsonText(item.SuccessResult),
		jsonText(item.FailureResult),
		item.IterationID,
		item.LastUpdatedOn,
	}
}

// jsonText passes raw JSON as text so the json column stores it verbatim.
func jsonText(value json.RawMessage) *string {
	if len(value) == 0 {
		return nil
	}
	text := string(value)
	return &text
}

func nullableRaw(value []byte) json.RawMessage {
	if len(value) == 0 {
		return nil
	}
	return json.RawMessage(value)
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
