package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/metrics"
	"github.com/iago/bulkupload-back/internal/repository"
)

const DefaultBatchSize = 10

// FlushReport summarizes one Insert or Update call.
type FlushReport struct {
	Persisted int
	// Failed holds the sequence ids that could not be written even one by one.
	Failed []int
	// LastErr is the most recent per-item error, nil when nothing failed.
	LastErr error
}

func (r *FlushReport) merge(other FlushReport) {
	r.Persisted += other.Persisted
	r.Failed = append(r.Failed, other.Failed...)
	if other.LastErr != nil {
		r.LastErr = other.LastErr
	}
}

// BatchWriter writes work items in fixed-size batches. A failed batch is
// retried item by item; items that still fail are logged and reported, never
// returned as an error.
type BatchWriter struct {
	store     repository.WorkItemWriter
	batchSize int
	logger    *zap.Logger
}

func NewBatchWriter(store repository.WorkItemWriter, batchSize int, logger *zap.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchWriter{
		store:     store,
		batchSize: batchSize,
		logger:    logging.OrNop(logger),
	}
}

func (w *BatchWriter) BatchSize() int {
	return w.batchSize
}

func (w *BatchWriter) Insert(ctx context.Context, items []domain.WorkItem) FlushReport {
	return w.write(ctx, "insert", items, w.store.CreateWorkItemsBatch, w.store.CreateWorkItem)
}

func (w *BatchWriter) Update(ctx context.Context, items []domain.WorkItem) FlushReport {
	return w.write(ctx, "update", items, w.store.UpdateWorkItemsBatch, w.store.UpdateWorkItem)
}

func (w *BatchWriter) write(
	ctx context.Context,
	operation string,
	items []domain.WorkItem,
	batchFn func(context.Context, []domain.WorkItem) error,
	itemFn func(context.Context, domain.WorkItem) error,
) FlushReport {
	var report FlushReport
	for start := 0; start < len(items); start += w.batchSize {
		end := start + w.batchSize
		if end > len(items) {
			end = len(items)
		}
		report.merge(w.flush(ctx, operation, items[start:end], batchFn, itemFn))
	}
	return report
}

func (w *BatchWriter) flush(
	ctx context.Context,
	operation string,
	batch []domain.WorkItem,
	batchFn func(context.Context, []domain.WorkItem) error,
	itemFn func(context.Context, domain.WorkItem) error,
) FlushReport {
	err := batchFn(ctx, batch)
	if err == nil {
		return FlushReport{Persisted: len(batch)}
	}

	metrics.BatchFallbacks.WithLabelValues(operation).Inc()
	w.logger.Warn("batch write failed, retrying per item",
		zap.String("operation", operation),
		zap.String("job_id", batch[0].JobID),
		zap.Int("first_sequence_id", batch[0].SequenceID),
		zap.Int("batch_size", len(batch)),
		zap.Error(err),
	)

	var report FlushReport
	for _, item := range batch {
		if err := itemFn(ctx, item); err != nil {
			metrics.ItemWriteFailures.WithLabelValues(operation).Inc()
			w.logger.Error("work item write failed",
				zap.String("operation", operation),
				zap.String("job_id", item.JobID),
				zap.Int("sequence_id", item.SequenceID),
				zap.Error(err),
			)
			report.Failed = append(report.Failed, item.SequenceID)
			report.LastErr = err
			continue
		}
		report.Persisted++
	}
	return report
}
