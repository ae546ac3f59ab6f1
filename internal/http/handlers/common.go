package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/http/middleware"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/service"
)

const defaultMaxUploadBytes = 10 << 20

type API struct {
	uploadService  *service.UploadService
	jobsService    *service.JobsService
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewAPI(
	uploadService *service.UploadService,
	jobsService *service.JobsService,
	maxUploadBytes int64,
	logger *zap.Logger,
) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &API{
		uploadService:  uploadService,
		jobsService:    jobsService,
		maxUploadBytes: maxUploadBytes,
		logger:         logging.OrNop(logger),
	}
}

type errorDetail struct {
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	Field        string   `json:"field,omitempty"`
	ValidColumns []string `json:"valid_columns,omitempty"`
}

type errorPayload struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorPayload{
		Error:     errorDetail{Code: code, Message: message},
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// writeServiceError maps service errors to HTTP responses.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var clientErr *domain.ClientError
	switch {
	case errors.As(err, &clientErr):
		writeJSON(w, http.StatusBadRequest, errorPayload{
			Error: errorDetail{
				Code:         string(clientErr.Code),
				Message:      clientErr.Message,
				Field:        clientErr.Field,
				ValidColumns: clientErr.ValidColumns,
			},
			RequestID: middleware.GetRequestID(r.Context()),
		})
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, queue.ErrQueueBackpressure):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "queue_backpressure", "processing queue is full, retry later")
	default:
		api.logger.Error(fallback,
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func jsonRawOrNil(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}
