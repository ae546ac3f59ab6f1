package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/metrics"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/tabular"
)

var ErrNothingPersisted = errors.New("no work item could be persisted")

// Ingestor turns validated rows into work items of an existing job.
type Ingestor struct {
	jobs   repository.JobStore
	writer *BatchWriter
	logger *zap.Logger
	now    func() time.Time
}

func NewIngestor(jobs repository.JobStore, writer *BatchWriter, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		jobs:   jobs,
		writer: writer,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ingest maps rows (header first) to work items numbered from 1, writes them
// and sets the job task count. It returns the number of data rows. When the
// store cannot take any item the job is marked FAILED and the error returned.
func (i *Ingestor) Ingest(ctx context.Context, job *domain.Job, rows []tabular.Row, opts MapOptions) (int, error) {
	if len(rows) == 0 {
		return 0, i.fail(ctx, job, domain.EmptyFileError())
	}
	header, data := rows[0], rows[1:]

	now := i.now()
	items := make([]domain.WorkItem, 0, len(data))
	for index, row := range data {
		record := MapRow(header, row, opts)
		encoded, err := json.Marshal(record)
		if err != nil {
			return 0, i.fail(ctx, job, fmt.Errorf("encode row %d: %w", index+1, err))
		}
		items = append(items, domain.WorkItem{
			JobID:         job.ID,
			SequenceID:    index + 1,
			Status:        domain.TaskStatusNew,
			Data:          encoded,
			CreatedOn:     now,
			LastUpdatedOn: now,
		})
	}

	report := i.writer.Insert(ctx, items)
	if len(items) > 0 && report.Persisted == 0 {
		cause := report.LastErr
		if cause == nil {
			cause = ErrNothingPersisted
		}
		return 0, i.fail(ctx, job, fmt.Errorf("persist work items: %w", cause))
	}
	if len(report.Failed) > 0 {
		i.logger.Warn("some rows were dropped during ingestion",
			zap.String("job_id", job.ID),
			zap.Ints("sequence_ids", report.Failed),
		)
	}

	job.TaskCount = len(data)
	job.LastUpdatedOn = i.now()
	if err := i.jobs.UpdateJob(ctx, job); err != nil {
		return 0, i.fail(ctx, job, fmt.Errorf("update task count: %w", err))
	}
	metrics.RowsIngested.WithLabelValues(job.ObjectType).Add(float64(report.Persisted))

	i.logger.Info("rows ingested",
		zap.String("job_id", job.ID),
		zap.Int("task_count", job.TaskCount),
		zap.Int("persisted", report.Persisted),
	)
	return len(data), nil
}

// fail records cause on the job and returns it. A failed status update is
// logged; cause is still what the caller sees.
func (i *Ingestor) fail(ctx context.Context, job *domain.Job, cause error) error {
	if !job.Status.CanTransitionTo(domain.JobStatusFailed) {
		return cause
	}
	job.Status = domain.JobStatusFailed
	job.FailureResult = cause.Error()
	job.LastUpdatedOn = i.now()
	job.ProcessEndTime = job.LastUpdatedOn
	if err := i.jobs.UpdateJob(ctx, job); err != nil {
		i.logger.Error("mark job failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	return cause
}
