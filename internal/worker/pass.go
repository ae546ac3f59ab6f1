package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iago/bulkupload-back/internal/cache"
	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/ingest"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/metrics"
	"github.com/iago/bulkupload-back/internal/repository"
)

var ErrNoHandler = errors.New("no task handler for object type")

type PassConfig struct {
	// Shards > 1 splits pending items into contiguous sequence ranges
	// handled concurrently.
	Shards int
}

// PassRunner drives one processing pass over a job's pending work items.
type PassRunner struct {
	store    repository.RecordStore
	writer   *ingest.BatchWriter
	resolver cache.LocationResolver
	locker   JobLocker
	handlers map[string]TaskHandler
	shards   int
	logger   *zap.Logger
	now      func() time.Time
}

func NewPassRunner(
	store repository.RecordStore,
	writer *ingest.BatchWriter,
	resolver cache.LocationResolver,
	locker JobLocker,
	logger *zap.Logger,
	config PassConfig,
) *PassRunner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if config.Shards <= 0 {
		config.Shards = 1
	}
	return &PassRunner{
		store:    store,
		writer:   writer,
		resolver: resolver,
		locker:   locker,
		handlers: make(map[string]TaskHandler),
		shards:   config.Shards,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds the handler used for jobs of objectType.
func (r *PassRunner) Register(objectType string, handler TaskHandler) {
	r.handlers[objectType] = handler
}

// Run performs exactly one pass. Terminal jobs are left untouched and
// COMPLETED items are skipped, so running it again is always safe. A job
// already held by another pass yields ErrJobLocked.
func (r *PassRunner) Run(ctx context.Context, jobID string) error {
	release, err := r.locker.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer release()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		r.logger.Debug("job already terminal, skipping pass",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		return nil
	}

	started := time.Now()
	defer func() {
		metrics.PassDuration.WithLabelValues(job.ObjectType).Observe(time.Since(started).Seconds())
	}()

	handler, ok := r.handlers[job.ObjectType]
	if !ok {
		cause := fmt.Errorf("%w: %s", ErrNoHandler, job.ObjectType)
		if err := r.finish(ctx, job, domain.JobStatusFailed, cause.Error()); err != nil {
			r.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return cause
	}

	if job.Status == domain.JobStatusNew {
		job.Status = domain.JobStatusInProgress
		job.ProcessStartTime = r.now()
		job.LastUpdatedOn = job.ProcessStartTime
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("mark job in progress: %w", err)
		}
	}

	items, err := r.store.ListWorkItemsNotCompleted(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pending items: %w", err)
	}

	locations := cache.NewLocationCache(r.resolver)
	if err := r.processItems(ctx, job, handler, items, locations); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	hits, misses := locations.Stats()
	r.logger.Info("pass finished",
		zap.String("job_id", job.ID),
		zap.Int("items", len(items)),
		zap.Int64("location_cache_hits", hits),
		zap.Int64("location_cache_misses", misses),
	)
	return r.rollup(ctx, job)
}

func (r *PassRunner) processItems(
	ctx context.Context,
	job *domain.Job,
	handler TaskHandler,
	items []domain.WorkItem,
	locations *cache.LocationCache,
) error {
	if r.shards <= 1 || len(items) < 2 {
		r.processShard(ctx, job, handler, items, locations)
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, shard := range splitShards(items, r.shards) {
		shard := shard
		group.Go(func() error {
			r.processShard(groupCtx, job, handler, shard, locations)
			return nil
		})
	}
	return group.Wait()
}

// processShard handles items in sequence order then writes what it touched.
// Items not reached before cancellation keep their stored state.
func (r *PassRunner) processShard(
	ctx context.Context,
	job *domain.Job,
	handler TaskHandler,
	items []domain.WorkItem,
	locations *cache.LocationCache,
) {
	touched := make([]domain.WorkItem, 0, len(items))
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		item := items[i]
		if item.Status == domain.TaskStatusCompleted {
			continue
		}
		handler.Handle(ctx, &item, locations)
		item.LastUpdatedOn = r.now()
		item.IterationID++
		touched = append(touched, item)

		metrics.ItemsProcessed.WithLabelValues(job.ObjectType, string(item.Status)).Inc()
		r.logger.Debug("work item handled",
			zap.String("job_id", item.JobID),
			zap.Int("sequence_id", item.SequenceID),
			zap.String("status", string(item.Status)),
			zap.Int("iteration_id", item.IterationID),
		)
	}
	if len(touched) == 0 {
		return
	}

	// Results are written even when ctx is done so finished work is kept.
	report := r.writer.Update(context.WithoutCancel(ctx), touched)
	if len(report.Failed) > 0 {
		r.logger.Warn("some work item results were not saved",
			zap.String("job_id", job.ID),
			zap.Ints("sequence_ids", report.Failed),
		)
	}
}

func (r *PassRunner) rollup(ctx context.Context, job *domain.Job) error {
	counts, err := r.store.CountWorkItemsByStatus(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count work items: %w", err)
	}

	next := counts.Rollup()
	failure := ""
	if next == domain.JobStatusFailed {
		failure = fmt.Sprintf("all %d work items failed", counts.Failed)
	}
	if err := r.finish(ctx, job, next, failure); err != nil {
		return err
	}

	r.logger.Info("job rolled up",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
		zap.Int("pending", counts.New+counts.InProgress),
	)
	return nil
}

// finish moves the job to next when allowed, stamping end time for terminal
// states.
func (r *PassRunner) finish(ctx context.Context, job *domain.Job, next domain.JobStatus, failure string) error {
	if !job.Status.CanTransitionTo(next) {
		return nil
	}
	job.Status = next
	job.LastUpdatedOn = r.now()
	if next.Terminal() {
		job.ProcessEndTime = job.LastUpdatedOn
	}
	if next == domain.JobStatusFailed {
		job.FailureResult = failure
	}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job status to %s: %w", next, err)
	}
	return nil
}

// splitShards cuts items into at most n contiguous, non-empty ranges.
func splitShards(items []domain.WorkItem, n int) [][]domain.WorkItem {
	if n > len(items) {
		n = len(items)
	}
	shards := make([][]domain.WorkItem, 0, n)
	size := (len(items) + n - 1) / n
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		shards = append(shards, items[start:end])
	}
	return shards
}
