package repository

import (
	"context"
	"errors"

	"github.com/iago/bulkupload-back/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource already exists")
)

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// DeleteJob removes the job and every work item it owns.
	DeleteJob(ctx context.Context, jobID string) error
}

// WorkItemWriter persists work items. Batch calls are all-or-nothing.
type WorkItemWriter interface {
	CreateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error
	CreateWorkItem(ctx context.Context, item domain.WorkItem) error
	UpdateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error
	UpdateWorkItem(ctx context.Context, item domain.WorkItem) error
}

// WorkItemReader queries work items. Lists are ordered by sequence id.
type WorkItemReader interface {
	ListWorkItemsNotCompleted(ctx context.Context, jobID string) ([]domain.WorkItem, error)
	ListWorkItems(ctx context.Context, jobID string) ([]domain.WorkItem, error)
	CountWorkItemsByStatus(ctx context.Context, jobID string) (domain.StatusCounts, error)
}

// RecordStore is the full job record store.
type RecordStore interface {
	JobStore
	WorkItemWriter
	WorkItemReader
}
