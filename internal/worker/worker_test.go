package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/iago/bulkupload-back/internal/cache"
	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/ingest"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
)

func seedJob(t *testing.T, store *repository.MemoryStore, jobID string, items int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	job := &domain.Job{
		ID:            jobID,
		ObjectType:    domain.ObjectTypeOrganisation,
		Status:        domain.JobStatusNew,
		TaskCount:     items,
		CreatedOn:     now,
		LastUpdatedOn: now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	batch := make([]domain.WorkItem, 0, items)
	for seq := 1; seq <= items; seq++ {
		batch = append(batch, domain.WorkItem{
			JobID:      jobID,
			SequenceID: seq,
			Status:     domain.TaskStatusNew,
			Data:       []byte(fmt.Sprintf(`{"orgName":"Org %d"}`, seq)),
			CreatedOn:  now,
		})
	}
	if err := store.CreateWorkItemsBatch(ctx, batch); err != nil {
		t.Fatalf("create items: %v", err)
	}
}

func newRunner(store repository.RecordStore, config PassConfig, handler TaskHandler) *PassRunner {
	runner := NewPassRunner(store, ingest.NewBatchWriter(store, 3, nil), nil, nil, nil, config)
	runner.Register(domain.ObjectTypeOrganisation, handler)
	return runner
}

func itemsBySequence(t *testing.T, store repository.WorkItemReader, jobID string) map[int]domain.WorkItem {
	t.Helper()
	items, err := store.ListWorkItems(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	bySeq := make(map[int]domain.WorkItem, len(items))
	for _, item := range items {
		bySeq[item.SequenceID] = item
	}
	return bySeq
}

func TestSecondPassSkipsCompletedItems(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, "job-1", 3)

	var mu sync.Mutex
	seen := map[int]int{}
	handler := TaskHandlerFunc(func(_ context.Context, item *domain.WorkItem, _ *cache.LocationCache) {
		mu.Lock()
		seen[item.SequenceID]++
		calls := seen[item.SequenceID]
		mu.Unlock()
		// Item 2 only settles on its second visit.
		if item.SequenceID == 2 && calls == 1 {
			item.Status = domain.TaskStatusInProgress
			return
		}
		item.Status = domain.TaskStatusCompleted
		item.SuccessResult = item.Data
	})
	runner := newRunner(store, PassConfig{}, handler)
	ctx := context.Background()

	if err := runner.Run(ctx, "job-1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	job, _ := store.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusInProgress {
		t.Fatalf("expected IN_PROGRESS after first pass, got %s", job.Status)
	}

	if err := runner.Run(ctx, "job-1"); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	items := itemsBySequence(t, store, "job-1")
	if items[1].IterationID != 1 || items[3].IterationID != 1 {
		t.Fatalf("completed items must keep iteration 1, got %d and %d", items[1].IterationID, items[3].IterationID)
	}
	if items[2].IterationID != 2 || items[2].Status != domain.TaskStatusCompleted {
		t.Fatalf("expected item 2 completed on iteration 2, got %+v", items[2])
	}
	if seen[1] != 1 || seen[2] != 2 {
		t.Fatalf("unexpected handler visits %v", seen)
	}

	job, _ = store.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusCompleted || job.ProcessEndTime.IsZero() {
		t.Fatalf("expected COMPLETED with end time, got %+v", job)
	}
}

func TestRollupMarksJobFailedWhenEveryItemFails(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, "job-1", 2)
	runner := newRunner(store, PassConfig{}, TaskHandlerFunc(func(_ context.Context, item *domain.WorkItem, _ *cache.LocationCache) {
		item.Status = domain.TaskStatusFailed
		item.FailureResult = []byte(`{"errorMessage":"boom"}`)
	}))

	if err := runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusFailed || job.FailureResult != "all 2 work items failed" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRollupRule(t *testing.T) {
	cases := []struct {
		name   string
		counts domain.StatusCounts
		want   domain.JobStatus
	}{
		{"all completed", domain.StatusCounts{Completed: 3}, domain.JobStatusCompleted},
		{"all failed", domain.StatusCounts{Failed: 2}, domain.JobStatusFailed},
		{"mixed", domain.StatusCounts{Completed: 1, Failed: 1}, domain.JobStatusCompletedWithErrors},
		{"pending", domain.StatusCounts{Completed: 1, New: 1}, domain.JobStatusInProgress},
		{"in progress", domain.StatusCounts{Failed: 1, InProgress: 1}, domain.JobStatusInProgress},
	}
	for _, tc := range cases {
		if got := tc.counts.Rollup(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestShardedPassHandlesEveryItemOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, "job-1", 10)

	var mu sync.Mutex
	visits := map[int]int{}
	runner := newRunner(store, PassConfig{Shards: 3}, TaskHandlerFunc(func(_ context.Context, item *domain.WorkItem, _ *cache.LocationCache) {
		mu.Lock()
		visits[item.SequenceID]++
		mu.Unlock()
		item.Status = domain.TaskStatusCompleted
	}))

	if err := runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(visits) != 10 {
		t.Fatalf("expected 10 items handled, got %d", len(visits))
	}
	for seq, count := range visits {
		if count != 1 {
			t.Fatalf("item %d handled %d times", seq, count)
		}
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
}

// slowResolver answers every code after a delay and counts its calls.
type slowResolver struct {
	delay time.Duration
	calls atomic.Int32
}

func (r *slowResolver) ResolveByCode(_ context.Context, code string) (*cache.Location, error) {
	r.calls.Inc()
	time.Sleep(r.delay)
	return &cache.Location{Code: code, Name: "Alpha"}, nil
}

func TestShardedPassResolvesSharedCodeOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, "job-1", 4)

	resolver := &slowResolver{delay: 50 * time.Millisecond}
	runner := NewPassRunner(store, ingest.NewBatchWriter(store, 3, nil), resolver, nil, nil, PassConfig{Shards: 4})
	runner.Register(domain.ObjectTypeOrganisation, TaskHandlerFunc(func(ctx context.Context, item *domain.WorkItem, locations *cache.LocationCache) {
		if _, err := locations.Resolve(ctx, "A"); err != nil {
			item.Status = domain.TaskStatusFailed
			return
		}
		item.Status = domain.TaskStatusCompleted
	}))

	if err := runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("expected one resolver call across shards, got %d", got)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
}

// rejectingStore refuses to save one sequence id while reject is set, both
// in batches and one by one.
type rejectingStore struct {
	*repository.MemoryStore
	sequenceID int
	reject     atomic.Bool
}

func (s *rejectingStore) UpdateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error {
	for _, item := range items {
		if s.reject.Load() && item.SequenceID == s.sequenceID {
			return errors.New("write rejected")
		}
	}
	return s.MemoryStore.UpdateWorkItemsBatch(ctx, items)
}

func (s *rejectingStore) UpdateWorkItem(ctx context.Context, item domain.WorkItem) error {
	if s.reject.Load() && item.SequenceID == s.sequenceID {
		return errors.New("write rejected")
	}
	return s.MemoryStore.UpdateWorkItem(ctx, item)
}

func TestUnsavedItemIsRetriedOnNextPass(t *testing.T) {
	memory := repository.NewMemoryStore()
	seedJob(t, memory, "job-1", 3)
	store := &rejectingStore{MemoryStore: memory, sequenceID: 2}
	store.reject.Store(true)

	var mu sync.Mutex
	visits := map[int]int{}
	runner := newRunner(store, PassConfig{}, TaskHandlerFunc(func(_ context.Context, item *domain.WorkItem, _ *cache.LocationCache) {
		mu.Lock()
		visits[item.SequenceID]++
		mu.Unlock()
		item.Status = domain.TaskStatusCompleted
	}))
	ctx := context.Background()

	if err := runner.Run(ctx, "job-1"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	items := itemsBySequence(t, memory, "job-1")
	if items[2].Status != domain.TaskStatusNew || items[2].IterationID != 0 {
		t.Fatalf("expected unsaved item to stay NEW, got %+v", items[2])
	}
	if items[1].Status != domain.TaskStatusCompleted || items[3].Status != domain.TaskStatusCompleted {
		t.Fatalf("expected the other items saved, got %s and %s", items[1].Status, items[3].Status)
	}
	job, _ := memory.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusInProgress {
		t.Fatalf("expected job to stay IN_PROGRESS, got %s", job.Status)
	}

	store.reject.Store(false)
	if err := runner.Run(ctx, "job-1"); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	items = itemsBySequence(t, memory, "job-1")
	if items[2].Status != domain.TaskStatusCompleted {
		t.Fatalf("expected item 2 settled on the second pass, got %s", items[2].Status)
	}
	if visits[1] != 1 || visits[2] != 2 || visits[3] != 1 {
		t.Fatalf("unexpected handler visits %v", visits)
	}
	job, _ = memory.GetJob(ctx, "job-1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
}

func TestSplitShardsKeepsContiguousRanges(t *testing.T) {
	items := make([]domain.WorkItem, 7)
	for i := range items {
		items[i].SequenceID = i + 1
	}
	shards := splitShards(items, 3)
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards, got %d", len(shards))
	}
	next := 1
	for _, shard := range shards {
		for _, item := range shard {
			if item.SequenceID != next {
				t.Fatalf("expected sequence %d, got %d", next, item.SequenceID)
			}
			next++
		}
	}
	if got := splitShards(items[:2], 5); len(got) != 2 {
		t.Fatalf("expected at most one shard per item, got %d", len(got))
	}
}

func TestRunOnTerminalJobIsNoop(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, "job-1", 1)
	ctx := context.Background()
	job, _ := store.GetJob(ctx, "job-1")
	job.Status = domain.JobStatusFailed
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	called := false
	runner := newRunner(store, PassConfig{}, TaskHandlerFunc(func(context.Context, *domain.WorkItem, *cache.LocationCache) {
		called = true
	}))
	if err := runner.Run(ctx, "job-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Fatalf("handler must not run for terminal jobs")
	}
}

func TestRunFailsJobWithoutHandler(t *testing.T) {
	store := repository.NewMemoryStore()
	seedJob(t, store, "job-1", 1)
	runner := NewPassRunner(store, ingest.NewBatchWriter(store, 0, nil), nil, nil, nil, PassConfig{})

	if err := runner.Run(context.Background(), "job-1"); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	job, _ := store.GetJob(context.Background(), "job-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
}

func TestLocalLockerRejectsConcurrentPass(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "job-1"); !errors.Is(err, ErrJobLocked) {
		t.Fatalf("expected ErrJobLocked, got %v", err)
	}
	release()
	release()
	again, err := locker.Acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

type scriptedRunner struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (r *scriptedRunner) Run(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobID)
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestProcessorRetriesLockedJobAndDropsUnknown(t *testing.T) {
	q := queue.NewLocalQueue(8, 3, nil)
	runner := &scriptedRunner{errs: []error{ErrJobLocked, nil, repository.ErrNotFound}}
	processor := NewProcessor(q, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go processor.Start(ctx)

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "job-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runner.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runner.count() != 2 {
		t.Fatalf("expected the locked job to be retried once, got %d runs", runner.count())
	}

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "gone"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for runner.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if runner.count() != 3 || q.DLQSize() != 0 {
		t.Fatalf("expected unknown job dropped without retry, got %d runs and DLQ %d", runner.count(), q.DLQSize())
	}
	if !processor.Running() {
		t.Fatalf("expected processor to be running")
	}
}
