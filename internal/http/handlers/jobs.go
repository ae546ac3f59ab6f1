package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iago/bulkupload-back/internal/domain"
)

type countsResponse struct {
	New        int `json:"new"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type jobResponse struct {
	ProcessID        string           `json:"process_id"`
	ObjectType       string           `json:"object_type"`
	Status           domain.JobStatus `json:"status"`
	TaskCount        int              `json:"task_count"`
	UploadedBy       string           `json:"uploaded_by,omitempty"`
	OrganisationID   string           `json:"organisation_id,omitempty"`
	CreatedOn        time.Time        `json:"created_on"`
	ProcessStartTime *time.Time       `json:"process_start_time,omitempty"`
	ProcessEndTime   *time.Time       `json:"process_end_time,omitempty"`
	LastUpdatedOn    time.Time        `json:"last_updated_on"`
	FailureResult    string           `json:"failure_result,omitempty"`
	Counts           *countsResponse  `json:"counts,omitempty"`
}

type itemResponse struct {
	SequenceID    int               `json:"sequence_id"`
	Status        domain.TaskStatus `json:"status"`
	IterationID   int               `json:"iteration_id"`
	Data          any               `json:"data"`
	SuccessResult any               `json:"success_result,omitempty"`
	FailureResult any               `json:"failure_result,omitempty"`
	LastUpdatedOn time.Time         `json:"last_updated_on"`
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	summary, err := api.jobsService.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to load job")
		return
	}

	response := newJobResponse(summary.Job)
	response.Counts = &countsResponse{
		New:        summary.Counts.New,
		InProgress: summary.Counts.InProgress,
		Completed:  summary.Counts.Completed,
		Failed:     summary.Counts.Failed,
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) JobItems(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	items, err := api.jobsService.ListItems(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to list work items")
		return
	}

	response := make([]itemResponse, 0, len(items))
	for _, item := range items {
		response = append(response, itemResponse{
			SequenceID:    item.SequenceID,
			Status:        item.Status,
			IterationID:   item.IterationID,
			Data:          jsonRawOrNil(item.Data),
			SuccessResult: jsonRawOrNil(item.SuccessResult),
			FailureResult: jsonRawOrNil(item.FailureResult),
			LastUpdatedOn: item.LastUpdatedOn,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"process_id": jobID,
		"items":      response,
	})
}

// ReprocessJob requests another pass over a job that is not finished yet.
func (api *API) ReprocessJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := api.jobsService.Reprocess(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to request reprocessing")
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return "", false
	}
	return jobID, true
}

func newJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ProcessID:        job.ID,
		ObjectType:       job.ObjectType,
		Status:           job.Status,
		TaskCount:        job.TaskCount,
		UploadedBy:       job.UploadedBy,
		OrganisationID:   job.OrganisationID,
		CreatedOn:        job.CreatedOn,
		ProcessStartTime: optionalTime(job.ProcessStartTime),
		ProcessEndTime:   optionalTime(job.ProcessEndTime),
		LastUpdatedOn:    job.LastUpdatedOn,
		FailureResult:    job.FailureResult,
	}
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
