package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/iago/bulkupload-back/internal/domain"
)

type jobRow struct {
	ID               string     `gorm:"primaryKey;size:64"`
	ObjectType       string     `gorm:"size:64;not null"`
	Status           string     `gorm:"size:32;not null"`
	TaskCount        int        `gorm:"not null;default:0"`
	UploadedBy       string     `gorm:"size:128;not null;default:''"`
	OrganisationID   string     `gorm:"size:128;not null;default:''"`
	FailureResult    string     `gorm:"type:text"`
	CreatedOn        time.Time  `gorm:"not null"`
	ProcessStartTime *time.Time
	ProcessEndTime   *time.Time
	LastUpdatedOn    time.Time `gorm:"not null"`
}

func (jobRow) TableName() string { return "bulk_jobs" }

// MySQL's JSON type sorts object keys, so payloads are kept as text.
type workItemRow struct {
	JobID         string    `gorm:"primaryKey;size:64;index:idx_bulk_work_items_job_status,priority:1"`
	SequenceID    int       `gorm:"primaryKey;autoIncrement:false"`
	Status        string    `gorm:"size:32;not null;index:idx_bulk_work_items_job_status,priority:2"`
	Data          string    `gorm:"type:longtext;not null"`
	SuccessResult *string   `gorm:"type:longtext"`
	FailureResult *string   `gorm:"type:longtext"`
	IterationID   int       `gorm:"not null;default:0"`
	CreatedOn     time.Time `gorm:"not null"`
	LastUpdatedOn time.Time `gorm:"not null"`
}

func (workItemRow) TableName() string { return "bulk_work_items" }

// MySQLStore persists jobs through gorm.
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &workItemRow{}); err != nil {
		return fmt.Errorf("migrate mysql: %w", err)
	}
	return nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLStore) CreateJob(ctx context.Context, job *domain.Job) error {
	row := toJobRow(job)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert job %s: %w", job.ID, ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	result := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":             string(job.Status),
			"task_count":         job.TaskCount,
			"failure_result":     job.FailureResult,
			"process_start_time": nullableTime(job.ProcessStartTime),
			"process_end_time":   nullableTime(job.ProcessEndTime),
			"last_updated_on":    job.LastUpdatedOn,
		})
	if result.Error != nil {
		return fmt.Errorf("update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.existsOr(ctx, &jobRow{}, "id = ?", job.ID)
	}
	return nil
}

func (s *MySQLStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return fromJobRow(row), nil
}

func (s *MySQLStore) DeleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&workItemRow{}).Error; err != nil {
			return fmt.Errorf("delete work items: %w", err)
		}
		result := tx.Where("id = ?", jobID).Delete(&jobRow{})
		if result.Error != nil {
			return fmt.Errorf("delete job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *MySQLStore) CreateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]workItemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, toWorkItemRow(item))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, len(rows)).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert work items: %w", ErrConflict)
		}
		return fmt.Errorf("insert work items: %w", err)
	}
	return nil
}

func (s *MySQLStore) CreateWorkItem(ctx context.Context, item domain.WorkItem) error {
	row := toWorkItemRow(item)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert work item %s/%d: %w", item.JobID, item.SequenceID, ErrConflict)
		}
		return fmt.Errorf("insert work item %s/%d: %w", item.JobID, item.SequenceID, err)
	}
	return nil
}

func (s *MySQLStore) UpdateWorkItemsBatch(ctx context.Context, items []domain.WorkItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if err := updateWorkItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MySQLStore) UpdateWorkItem(ctx context.Context, item domain.WorkItem) error {
	return updateWorkItem(ctx, s.db, item)
}

func (s *MySQLStore) ListWorkItemsNotCompleted(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	var rows []workItemRow
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status <> ?", jobID, string(domain.TaskStatusCompleted)).
		Order("sequence_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return fromWorkItemRows(rows), nil
}

func (s *MySQLStore) ListWorkItems(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	var rows []workItemRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sequence_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return fromWorkItemRows(rows), nil
}

func (s *MySQLStore) CountWorkItemsByStatus(ctx context.Context, jobID string) (domain.StatusCounts, error) {
	var (
		counts  domain.StatusCounts
		grouped []struct {
			Status string
			Total  int
		}
	)
	err := s.db.WithContext(ctx).
		Model(&workItemRow{}).
		Select("status, COUNT(*) AS total").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&grouped).Error
	if err != nil {
		return counts, fmt.Errorf("count work items: %w", err)
	}
	for _, group := range grouped {
		counts.AddN(domain.TaskStatus(group.Status), group.Total)
	}
	return counts, nil
}

// existsOr tells an unchanged row apart from a missing one, since MySQL
// reports only changed rows as affected.
func (s *MySQLStore) existsOr(ctx context.Context, model interface{}, query string, args ...interface{}) error {
	var total int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, args...).Count(&total).Error; err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if total == 0 {
		return ErrNotFound
	}
	return nil
}

func updateWorkItem(ctx context.Context, db *gorm.DB, item domain.WorkItem) error {
	row := toWorkItemRow(item)
	result := db.WithContext(ctx).
		Model(&workItemRow{}).
		Where("job_id = ? AND sequence_id = ?", item.JobID, item.SequenceID).
		Updates(map[string]interface{}{
			"status":          row.Status,
			"data":            row.Data,
			"success_result":  row.SuccessResult,
			"failure_result":  row.FailureResult,
			"iteration_id":    row.IterationID,
			"last_updated_on": row.LastUpdatedOn,
		})
	if result.Error != nil {
		return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var total int64
	err := db.WithContext(ctx).
		Model(&workItemRow{}).
		Where("job_id = ? AND sequence_id = ?", item.JobID, item.SequenceID).
		Count(&total).Error
	if err != nil {
		return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, err)
	}
	if total == 0 {
		return fmt.Errorf("update work item %s/%d: %w", item.JobID, item.SequenceID, ErrNotFound)
	}
	return nil
}

func toJobRow(job *domain.Job) jobRow {
	return jobRow{
		ID:               job.ID,
		ObjectType:       job.ObjectType,
		Status:           string(job.Status),
		TaskCount:        job.TaskCount,
		UploadedBy:       job.UploadedBy,
		OrganisationID:   job.OrganisationID,
		FailureResult:    job.FailureResult,
		CreatedOn:        job.CreatedOn,
		ProcessStartTime: nullableTime(job.ProcessStartTime),
		ProcessEndTime:   nullableTime(job.ProcessEndTime),
		LastUpdatedOn:    job.LastUpdatedOn,
	}
}

func fromJobRow(row jobRow) *domain.Job {
	job := &domain.Job{
		ID:             row.ID,
		ObjectType:     row.ObjectType,
		Status:         domain.JobStatus(row.Status),
		TaskCount:      row.TaskCount,
		UploadedBy:     row.UploadedBy,
		OrganisationID: row.OrganisationID,
		FailureResult:  row.FailureResult,
		CreatedOn:      row.CreatedOn,
		LastUpdatedOn:  row.LastUpdatedOn,
	}
	if row.ProcessStartTime != nil {
		job.ProcessStartTime = *row.ProcessStartTime
	}
	if row.ProcessEndTime != nil {
		job.ProcessEndTime = *row.ProcessEndTime
	}
	return job
}

func toWorkItemRow(item domain.WorkItem) workItemRow {
	return workItemRow{
		JobID:         item.JobID,
		SequenceID:    item.SequenceID,
		Status:        string(item.Status),
		Data:          string(item.Data),
		SuccessResult: jsonText(item.SuccessResult),
		FailureResult: jsonText(item.FailureResult),
		IterationID:   item.IterationID,
		CreatedOn:     item.CreatedOn,
		LastUpdatedOn: item.LastUpdatedOn,
	}
}

func fromWorkItemRows(rows []workItemRow) []domain.WorkItem {
	items := make([]domain.WorkItem, 0, len(rows))
	for _, row := range rows {
		item := domain.WorkItem{
			JobID:         row.JobID,
			SequenceID:    row.SequenceID,
			Status:        domain.TaskStatus(row.Status),
			Data:          json.RawMessage(row.Data),
			IterationID:   row.IterationID,
			CreatedOn:     row.CreatedOn,
			LastUpdatedOn: row.LastUpdatedOn,
		}
		if row.SuccessResult != nil {
			item.SuccessResult = json.RawMessage(*row.SuccessResult)
		}
		if row.FailureResult != nil {
			item.FailureResult = json.RawMessage(*row.FailureResult)
		}
		items = append(items, item)
	}
	return items
}
