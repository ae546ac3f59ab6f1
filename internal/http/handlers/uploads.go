package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/service"
)

const (
	uploadFormField   = "file"
	requestedByHeader = "X-Requested-By"
)

// UploadOrganisations accepts a multipart file and answers 202 once its rows
// are stored.
func (api *API) UploadOrganisations(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes)
	if err := r.ParseMultipartForm(api.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "uploaded file is too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart form with a file field is required")
		return
	}

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file could not be read")
		return
	}

	job, err := api.uploadService.Submit(r.Context(), service.SubmitRequest{
		Filename:    header.Filename,
		Data:        data,
		RequestedBy: strings.TrimSpace(r.Header.Get(requestedByHeader)),
		ObjectType:  domain.ObjectTypeOrganisation,
	})
	if err != nil {
		api.writeServiceError(w, r, err, "failed to accept upload")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"process_id": job.ID,
		"status":     job.Status,
		"task_count": job.TaskCount,
		"status_url": "/v1/jobs/" + job.ID,
	})
}
