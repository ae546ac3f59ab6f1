package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/tabular"
)

var errMalformed = errors.New("malformed item")

// rejectingStore refuses any write touching one sequence id and counts calls.
type rejectingStore struct {
	*repository.MemoryStore
	rejectSeq  int
	down       bool
	batchCalls int
	itemCalls  int
}

func (s *rejectingStore) CreateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error {
	s.batchCalls++
	if s.down {
		return errors.New("connection refused")
	}
	for _, item := range items {
		if item.SequenceID == s.rejectSeq {
			return errMalformed
		}
	}
	return s.MemoryStore.CreateWorkItemsBatch(ctx, items)
}

func (s *rejectingStore) CreateWorkItem(ctx context.Context, item domain.WorkItem) error {
	s.itemCalls++
	if s.down {
		return errors.New("connection refused")
	}
	if item.SequenceID == s.rejectSeq {
		return errMalformed
	}
	return s.MemoryStore.CreateWorkItem(ctx, item)
}

func newJob(t *testing.T, store repository.JobStore) *domain.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &domain.Job{
		ID:            "job-1",
		ObjectType:    domain.ObjectTypeOrganisation,
		Status:        domain.JobStatusNew,
		CreatedOn:     now,
		LastUpdatedOn: now,
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestMapRowAppliesAliasesAndConstants(t *testing.T) {
	record := MapRow(
		[]string{"Organisation Name", "externalId", "status", "extra"},
		tabular.Row{"Org A", "", "active"},
		MapOptions{
			CaseInsensitive: true,
			Aliases:         map[string]string{"organisation name": "orgName"},
			Constants:       map[string]string{"channel": "chan-1", "status": "fixed"},
		},
	)

	encoded, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	expected := `{"orgName":"Org A","externalId":null,"status":"fixed","channel":"chan-1"}`
	if string(encoded) != expected {
		t.Fatalf("expected %s, got %s", expected, encoded)
	}
}

func TestBatchWriterFallsBackPerItem(t *testing.T) {
	memory := repository.NewMemoryStore()
	store := &rejectingStore{MemoryStore: memory, rejectSeq: 4}
	newJob(t, memory)

	items := make([]domain.WorkItem, 0, 12)
	for seq := 1; seq <= 12; seq++ {
		items = append(items, domain.WorkItem{JobID: "job-1", SequenceID: seq, Status: domain.TaskStatusNew, Data: json.RawMessage(`{}`)})
	}

	writer := NewBatchWriter(store, 5, nil)
	report := writer.Insert(context.Background(), items)

	if report.Persisted != 11 {
		t.Fatalf("expected 11 persisted items, got %d", report.Persisted)
	}
	if len(report.Failed) != 1 || report.Failed[0] != 4 || !errors.Is(report.LastErr, errMalformed) {
		t.Fatalf("expected only item 4 to fail, got %+v", report)
	}
	if store.batchCalls != 3 {
		t.Fatalf("expected 3 batch calls for 12 items of 5, got %d", store.batchCalls)
	}
	if store.itemCalls != 5 {
		t.Fatalf("expected per-item retry only for the failed batch, got %d calls", store.itemCalls)
	}

	stored, _ := memory.ListWorkItems(context.Background(), "job-1")
	if len(stored) != 11 {
		t.Fatalf("expected 11 stored items, got %d", len(stored))
	}
}

func TestIngestSetsTaskCountFromDataRows(t *testing.T) {
	store := repository.NewMemoryStore()
	job := newJob(t, store)

	rows, err := tabular.ParseCSV([]byte("orgName,status\nA,active\n\n,\nB,inactive\nC,\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ingestor := NewIngestor(store, NewBatchWriter(store, 2, nil), nil)
	count, err := ingestor.Ingest(context.Background(), job, rows, MapOptions{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 data rows, got %d", count)
	}

	saved, _ := store.GetJob(context.Background(), "job-1")
	if saved.TaskCount != 3 || saved.Status != domain.JobStatusNew {
		t.Fatalf("unexpected job after ingest %+v", saved)
	}

	items, _ := store.ListWorkItems(context.Background(), "job-1")
	if len(items) != 3 {
		t.Fatalf("expected 3 work items, got %d", len(items))
	}
	for index, item := range items {
		if item.SequenceID != index+1 || item.Status != domain.TaskStatusNew || item.IterationID != 0 {
			t.Fatalf("unexpected work item %+v", item)
		}
	}
	if string(items[2].Data) != `{"orgName":"C","status":null}` {
		t.Fatalf("unexpected data for last row: %s", items[2].Data)
	}
}

func TestIngestMarksJobFailedWhenStoreIsDown(t *testing.T) {
	memory := repository.NewMemoryStore()
	store := &rejectingStore{MemoryStore: memory, down: true}
	job := newJob(t, memory)

	ingestor := NewIngestor(memory, NewBatchWriter(store, 10, nil), nil)
	_, err := ingestor.Ingest(context.Background(), job, []tabular.Row{{"orgName"}, {"A"}}, MapOptions{})
	if err == nil {
		t.Fatalf("expected ingest to fail")
	}

	saved, _ := memory.GetJob(context.Background(), "job-1")
	if saved.Status != domain.JobStatusFailed || saved.FailureResult == "" {
		t.Fatalf("expected job FAILED with a failure result, got %+v", saved)
	}
}
