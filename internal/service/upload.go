package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/clients"
	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/ingest"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/lookup"
	"github.com/iago/bulkupload-back/internal/metrics"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/tabular"
)

const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// EntityReader reads user and organisation entities by id. A missing entity
// is returned as nil without error.
type EntityReader interface {
	GetEntityByID(ctx context.Context, kind, id string) (map[string]any, error)
}

type SubmitRequest struct {
	Filename    string
	Data        []byte
	RequestedBy string
	// ObjectType defaults to organisation.
	ObjectType string
}

type UploadConfig struct {
	// MaxRows caps the data rows of one file; 0 disables the cap.
	MaxRows int
}

// UploadService accepts files synchronously up to durable work items and
// then triggers background processing.
type UploadService struct {
	jobs      repository.JobStore
	ingestor  *ingest.Ingestor
	columns   lookup.ColumnConfigProvider
	directory EntityReader
	trigger   *JobsService
	config    UploadConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewUploadService wires the submission path. directory may be nil, in which
// case no requester scope or channel is attached to rows.
func NewUploadService(
	jobs repository.JobStore,
	ingestor *ingest.Ingestor,
	columns lookup.ColumnConfigProvider,
	directory EntityReader,
	trigger *JobsService,
	config UploadConfig,
	logger *zap.Logger,
) *UploadService {
	return &UploadService{
		jobs:      jobs,
		ingestor:  ingestor,
		columns:   columns,
		directory: directory,
		trigger:   trigger,
		config:    config,
		logger:    logging.OrNop(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the file, creates the job and its work items and asks for
// a background pass. File problems are returned as *domain.ClientError before
// any job exists.
func (s *UploadService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	objectType := req.ObjectType
	if objectType == "" {
		objectType = domain.ObjectTypeOrganisation
	}

	var config *lookup.ColumnConfig
	if s.columns != nil {
		loaded, err := s.columns.SupportedColumns(ctx, objectType)
		if err != nil {
			metrics.UploadsSubmitted.WithLabelValues(objectType, outcomeFailed).Inc()
			return nil, fmt.Errorf("load column config: %w", err)
		}
		config = loaded
	}
	headerOpts := lookup.HeaderOptions(config, objectType)

	rows, err := tabular.Parse(req.Filename, req.Data)
	if err == nil {
		err = tabular.ValidateFile(rows, headerOpts, s.config.MaxRows)
	}
	if err != nil {
		metrics.UploadsSubmitted.WithLabelValues(objectType, outcomeRejected).Inc()
		return nil, err
	}

	now := s.now()
	job := &domain.Job{
		ID:            uuid.NewString(),
		ObjectType:    objectType,
		Status:        domain.JobStatusNew,
		UploadedBy:    req.RequestedBy,
		CreatedOn:     now,
		LastUpdatedOn: now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		metrics.UploadsSubmitted.WithLabelValues(objectType, outcomeFailed).Inc()
		return nil, fmt.Errorf("create job: %w", err)
	}

	constants := map[string]string{}
	if s.directory != nil {
		rootOrgID, channel, err := s.resolveRequester(ctx, req.RequestedBy)
		if err != nil {
			s.markFailed(ctx, job, err)
			outcome := outcomeFailed
			if errors.Is(err, domain.ErrClientInput) {
				outcome = outcomeRejected
			}
			metrics.UploadsSubmitted.WithLabelValues(objectType, outcome).Inc()
			return nil, err
		}
		job.OrganisationID = rootOrgID
		if channel != "" {
			constants[domain.KeyChannel] = channel
		}
	}

	mapOpts := ingest.MapOptions{
		CaseInsensitive: headerOpts.CaseInsensitive,
		Aliases:         headerOpts.Aliases,
		Constants:       constants,
	}
	if _, err := s.ingestor.Ingest(ctx, job, rows, mapOpts); err != nil {
		metrics.UploadsSubmitted.WithLabelValues(objectType, outcomeFailed).Inc()
		return nil, fmt.Errorf("ingest rows: %w", err)
	}

	// Rows are durable at this point; a lost trigger is recovered through a
	// reprocess request, so it does not fail the upload.
	if err := s.trigger.enqueue(ctx, job); err != nil {
		s.logger.Warn("background pass not triggered",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	metrics.UploadsSubmitted.WithLabelValues(objectType, outcomeAccepted).Inc()
	s.logger.Info("upload accepted",
		zap.String("job_id", job.ID),
		zap.String("object_type", objectType),
		zap.Int("task_count", job.TaskCount),
		zap.String("uploaded_by", job.UploadedBy),
	)
	return job, nil
}

// resolveRequester follows requester -> root organisation and returns the
// organisation id and its channel. Only an active (or status-less) root
// organisation qualifies.
func (s *UploadService) resolveRequester(ctx context.Context, requestedBy string) (string, string, error) {
	if strings.TrimSpace(requestedBy) == "" {
		return "", "", domain.NoRootOrgError()
	}
	user, err := s.directory.GetEntityByID(ctx, clients.EntityUser, requestedBy)
	if err != nil {
		return "", "", fmt.Errorf("read requester: %w", err)
	}
	rootOrgID := stringValue(user["rootOrgId"])
	if user == nil || rootOrgID == "" {
		return "", "", domain.NoRootOrgError()
	}

	org, err := s.directory.GetEntityByID(ctx, clients.EntityOrganisation, rootOrgID)
	if err != nil {
		return "", "", fmt.Errorf("read root organisation: %w", err)
	}
	if org == nil {
		return "", "", domain.NoRootOrgError()
	}
	if status, present := org["status"]; present && status != nil {
		if value, ok := status.(float64); !ok || int(value) != orgStatusActive {
			return "", "", domain.NoRootOrgError()
		}
	}
	return rootOrgID, stringValue(org["channel"]), nil
}

func (s *UploadService) markFailed(ctx context.Context, job *domain.Job, cause error) {
	job.Status = domain.JobStatusFailed
	job.FailureResult = cause.Error()
	job.LastUpdatedOn = s.now()
	job.ProcessEndTime = job.LastUpdatedOn
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.logger.Error("mark job failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func stringValue(value any) string {
	text, _ := value.(string)
	return strings.TrimSpace(text)
}
