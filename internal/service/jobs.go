package service

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
)

// JobSummary is a job together with the status counts of its work items.
type JobSummary struct {
	Job    *domain.Job
	Counts domain.StatusCounts
}

type JobsService struct {
	repo     repository.RecordStore
	producer queue.Producer
	now      func() time.Time
}

func NewJobsService(repo repository.RecordStore, producer queue.Producer) *JobsService {
	return &JobsService{
		repo:     repo,
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*JobSummary, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountWorkItemsByStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("count work items: %w", err)
	}
	return &JobSummary{Job: job, Counts: counts}, nil
}

func (s *JobsService) ListItems(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListWorkItems(ctx, jobID)
}

// Reprocess requests another pass over a job. Passes over terminal jobs are
// no-ops, so the request is safe to repeat.
func (s *JobsService) Reprocess(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobsService) enqueue(ctx context.Context, job *domain.Job) error {
	message := domain.QueueMessage{
		JobID:       job.ID,
		ObjectType:  job.ObjectType,
		Attempt:     0,
		RequestedAt: s.now(),
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}
