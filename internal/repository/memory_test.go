package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/iago/bulkupload-back/internal/domain"
)

func seedJob(t *testing.T, store *MemoryStore, jobID string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateJob(context.Background(), &domain.Job{
		ID:            jobID,
		ObjectType:    domain.ObjectTypeOrganisation,
		Status:        domain.JobStatusNew,
		CreatedOn:     now,
		LastUpdatedOn: now,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func newItem(jobID string, seq int, status domain.TaskStatus) domain.WorkItem {
	return domain.WorkItem{
		JobID:      jobID,
		SequenceID: seq,
		Status:     status,
		Data:       json.RawMessage(`{"orgName":"org"}`),
	}
}

func TestMemoryStoreBatchInsertIsAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJob(t, store, "job-1")

	if err := store.CreateWorkItem(ctx, newItem("job-1", 2, domain.TaskStatusNew)); err != nil {
		t.Fatalf("create item: %v", err)
	}

	batch := []domain.WorkItem{
		newItem("job-1", 1, domain.TaskStatusNew),
		newItem("job-1", 2, domain.TaskStatusNew),
		newItem("job-1", 3, domain.TaskStatusNew),
	}
	err := store.CreateWorkItemsBatch(ctx, batch)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	items, _ := store.ListWorkItems(ctx, "job-1")
	if len(items) != 1 {
		t.Fatalf("expected failed batch to write nothing, found %d items", len(items))
	}
}

func TestMemoryStoreListsPendingInSequenceOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJob(t, store, "job-1")

	err := store.CreateWorkItemsBatch(ctx, []domain.WorkItem{
		newItem("job-1", 3, domain.TaskStatusFailed),
		newItem("job-1", 1, domain.TaskStatusNew),
		newItem("job-1", 2, domain.TaskStatusCompleted),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	pending, err := store.ListWorkItemsNotCompleted(ctx, "job-1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].SequenceID != 1 || pending[1].SequenceID != 3 {
		t.Fatalf("unexpected pending items %+v", pending)
	}

	counts, err := store.CountWorkItemsByStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.New != 1 || counts.Completed != 1 || counts.Failed != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestMemoryStoreDeleteJobCascades(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJob(t, store, "job-1")
	seedJob(t, store, "job-2")
	_ = store.CreateWorkItem(ctx, newItem("job-1", 1, domain.TaskStatusNew))
	_ = store.CreateWorkItem(ctx, newItem("job-2", 1, domain.TaskStatusNew))

	if err := store.DeleteJob(ctx, "job-1"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if _, err := store.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected job to be gone, got %v", err)
	}
	if items, _ := store.ListWorkItems(ctx, "job-1"); len(items) != 0 {
		t.Fatalf("expected work items to be deleted, got %d", len(items))
	}
	if items, _ := store.ListWorkItems(ctx, "job-2"); len(items) != 1 {
		t.Fatalf("expected other job's items to survive, got %d", len(items))
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedJob(t, store, "job-1")
	_ = store.CreateWorkItem(ctx, newItem("job-1", 1, domain.TaskStatusNew))

	items, _ := store.ListWorkItems(ctx, "job-1")
	items[0].Data[2] = 'X'
	items[0].Status = domain.TaskStatusCompleted

	again, _ := store.ListWorkItems(ctx, "job-1")
	if again[0].Status != domain.TaskStatusNew || string(again[0].Data) != `{"orgName":"org"}` {
		t.Fatalf("expected stored item to be isolated from caller mutation, got %+v", again[0])
	}
}

func TestMemoryStoreUpdateMissingItem(t *testing.T) {
	store := NewMemoryStore()
	seedJob(t, store, "job-1")
	err := store.UpdateWorkItemsBatch(context.Background(), []domain.WorkItem{newItem("job-1", 9, domain.TaskStatusFailed)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
