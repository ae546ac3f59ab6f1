package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iago/bulkupload-back/internal/domain"
)

type itemKey struct {
	jobID      string
	sequenceID int
}

// MemoryStore keeps jobs and work items in memory for local development and
// tests.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	items map[itemKey]domain.WorkItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*domain.Job),
		items: make(map[itemKey]domain.WorkItem),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %s: %w", job.ID, ErrConflict)
	}
	s.jobs[job.ID] = domain.CloneJob(job)
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = domain.CloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return domain.CloneJob(job), nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, jobID)
	for key := range s.items {
		if key.jobID == jobID {
			delete(s.items, key)
		}
	}
	return nil
}

func (s *MemoryStore) CreateWorkItemsBatch(_ context.Context, items []domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[itemKey]struct{}, len(items))
	for _, item := range items {
		if err := s.checkInsertLocked(item); err != nil {
			return err
		}
		key := keyOf(item)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("insert work item %s/%d: %w", item.JobID, item.SequenceID, ErrConflict)
		}
		seen[key] = struct{}{}
	}
	for _, item := range items {
		s.items[keyOf(item)] = domain.CloneWorkItem(item)
	}
	return nil
}

func (s *MemoryStore) CreateWorkItem(_ context.Context, item domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInsertLocked(item); err != nil {
		return err
	}
	s.items[keyOf(item)] = domain.CloneWorkItem(item)
	return nil
}

func (s *MemoryStore) UpdateWorkItemsBatch(_ context.Context, items []domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if _, ok := s.items[keyOf(item)]; !ok {
			return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, ErrNotFound)
		}
	}
	for _, item := range items {
		s.items[keyOf(item)] = domain.CloneWorkItem(item)
	}
	return nil
}

func (s *MemoryStore) UpdateWorkItem(_ context.Context, item domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[keyOf(item)]; !ok {
		return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, ErrNotFound)
	}
	s.items[keyOf(item)] = domain.CloneWorkItem(item)
	return nil
}

func (s *MemoryStore) ListWorkItemsNotCompleted(_ context.Context, jobID string) ([]domain.WorkItem, error) {
	return s.list(jobID, func(item domain.WorkItem) bool {
		return item.Status != domain.TaskStatusCompleted
	}), nil
}

func (s *MemoryStore) ListWorkItems(_ context.Context, jobID string) ([]domain.WorkItem, error) {
	return s.list(jobID, func(domain.WorkItem) bool { return true }), nil
}

func (s *MemoryStore) CountWorkItemsByStatus(_ context.Context, jobID string) (domain.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts domain.StatusCounts
	for key, item := range s.items {
		if key.jobID == jobID {
			counts.Add(item.Status)
		}
	}
	return counts, nil
}

func (s *MemoryStore) list(jobID string, keep func(domain.WorkItem) bool) []domain.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.WorkItem, 0)
	for key, item := range s.items {
		if key.jobID == jobID && keep(item) {
			items = append(items, domain.CloneWorkItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].SequenceID < items[j].SequenceID
	})
	return items
}

func (s *MemoryStore) checkInsertLocked(item domain.WorkItem) error {
	if _, ok := s.jobs[item.JobID]; !ok {
		return fmt.Errorf("insert work item %s/%d: job %w", item.JobID, item.SequenceID, ErrNotFound)
	}
	if _, ok := s.items[keyOf(item)]; ok {
		return fmt.Errorf("insert work item %s/%d: %w", item.JobID, item.SequenceID, ErrConflict)
	}
	return nil
}

func keyOf(item domain.WorkItem) itemKey {
	return itemKey{jobID: item.JobID, sequenceID: item.SequenceID}
}
