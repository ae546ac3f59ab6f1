package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iago/bulkupload-back/internal/cache"
	"github.com/iago/bulkupload-back/internal/clients"
	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/logging"
	"github.com/iago/bulkupload-back/internal/lookup"
)

const (
	orgStatusInactive = 0
	orgStatusActive   = 1

	msgInvalidOrgStatus = "invalid org status"
	msgInvalidOrgType   = "invalid organisation type"
	msgInternalError    = "internal error: organisation id missing from create response"
)

var knownOrgTypes = map[string]struct{}{
	"school": {},
	"board":  {},
}

// OrgMutator creates and updates organisations downstream.
type OrgMutator interface {
	CreateOrg(ctx context.Context, payload domain.Record) (string, error)
	UpdateOrg(ctx context.Context, payload domain.Record) error
}

// OrgTaskHandler processes one organisation row: validation, exactly one
// create or update call, then location enrichment of the success payload.
type OrgTaskHandler struct {
	orgs    OrgMutator
	columns lookup.ColumnConfigProvider
	logger  *zap.Logger
}

func NewOrgTaskHandler(orgs OrgMutator, columns lookup.ColumnConfigProvider, logger *zap.Logger) *OrgTaskHandler {
	return &OrgTaskHandler{
		orgs:    orgs,
		columns: columns,
		logger:  logging.OrNop(logger),
	}
}

func (h *OrgTaskHandler) Handle(ctx context.Context, item *domain.WorkItem, locations *cache.LocationCache) {
	var row domain.Record
	if err := json.Unmarshal(item.Data, &row); err != nil {
		h.fail(item, domain.Record{}, fmt.Sprintf("malformed row data: %v", err))
		return
	}

	mandatory, err := h.mandatoryColumns(ctx)
	if err != nil {
		// Configuration trouble is not the row's fault: keep it pending.
		h.logger.Error("load column config",
			zap.String("job_id", item.JobID),
			zap.Int("sequence_id", item.SequenceID),
			zap.Error(err),
		)
		item.Status = domain.TaskStatusInProgress
		return
	}
	for _, column := range mandatory {
		if value, ok := row.Get(column); !ok || strings.TrimSpace(value) == "" {
			h.fail(item, row, fmt.Sprintf("mandatory parameter %s is missing", column))
			return
		}
	}

	status, ok := orgStatus(row)
	if !ok {
		h.fail(item, row, msgInvalidOrgStatus)
		return
	}

	payload := row.Clone()
	payload.Delete(domain.KeyErrorMessage)
	payload.SetExtra(domain.KeyStatus, status)

	if orgType, present := row.Get(domain.KeyOrganisationType); present && strings.TrimSpace(orgType) != "" {
		normalized := strings.ToLower(strings.TrimSpace(orgType))
		if _, known := knownOrgTypes[normalized]; !known {
			h.fail(item, row, msgInvalidOrgType)
			return
		}
		payload.Set(domain.KeyOrganisationType, domain.StringPtr(normalized))
	}

	codes := locationCodes(row)
	if len(codes) > 0 {
		payload.SetExtra(domain.KeyLocationCode, codes)
	} else {
		payload.Delete(domain.KeyLocationCode)
	}

	orgID, hasID := row.Get(domain.KeyOrganisationID)
	orgID = strings.TrimSpace(orgID)
	if hasID && orgID != "" {
		payload.Set(domain.KeyOrganisationID, domain.StringPtr(orgID))
		if err := h.orgs.UpdateOrg(ctx, payload); err != nil {
			if h.interrupted(ctx, item, err) {
				return
			}
			h.fail(item, payload, downstreamMessage(err))
			return
		}
	} else {
		payload.Delete(domain.KeyOrganisationID)
		createdID, err := h.orgs.CreateOrg(ctx, payload)
		if err != nil {
			if h.interrupted(ctx, item, err) {
				return
			}
			h.fail(item, payload, downstreamMessage(err))
			return
		}
		if strings.TrimSpace(createdID) == "" {
			h.fail(item, payload, msgInternalError)
			return
		}
		payload.Set(domain.KeyOrganisationID, domain.StringPtr(createdID))
	}

	// The organisation exists from here on; later passes must update it
	// rather than create it again.
	if refreshed, err := json.Marshal(payload); err == nil {
		item.Data = refreshed
	}

	if len(codes) > 0 {
		resolved, err := locations.ResolveAll(ctx, codes)
		if err != nil {
			if h.interrupted(ctx, item, err) {
				return
			}
			h.fail(item, payload, err.Error())
			return
		}
		if len(resolved) == 1 {
			payload.Set(domain.KeyLocationName, domain.StringPtr(resolved[0].Name))
			payload.Set(domain.KeyLocationCode, domain.StringPtr(codes[0]))
		} else {
			names := make([]string, 0, len(resolved))
			for _, location := range resolved {
				names = append(names, location.Name)
			}
			payload.SetExtra(domain.KeyLocationName, names)
			payload.SetExtra(domain.KeyLocationCode, codes)
		}
	}

	success, err := json.Marshal(payload)
	if err != nil {
		h.fail(item, payload, fmt.Sprintf("encode success result: %v", err))
		return
	}
	item.Status = domain.TaskStatusCompleted
	item.SuccessResult = success
	item.FailureResult = nil
}

func (h *OrgTaskHandler) mandatoryColumns(ctx context.Context) ([]string, error) {
	if h.columns == nil {
		return nil, nil
	}
	config, err := h.columns.SupportedColumns(ctx, domain.ObjectTypeOrganisation)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, nil
	}
	return config.MandatoryColumns, nil
}

// fail marks item FAILED, annotating record with message.
func (h *OrgTaskHandler) fail(item *domain.WorkItem, record domain.Record, message string) {
	annotated := record.Clone()
	annotated.Set(domain.KeyErrorMessage, domain.StringPtr(message))
	encoded, err := json.Marshal(annotated)
	if err != nil {
		encoded, _ = json.Marshal(map[string]string{domain.KeyErrorMessage: message})
	}
	item.Status = domain.TaskStatusFailed
	item.FailureResult = encoded
	item.SuccessResult = nil

	h.logger.Info("work item failed",
		zap.String("job_id", item.JobID),
		zap.Int("sequence_id", item.SequenceID),
		zap.String("reason", message),
	)
}

// interrupted reports whether err comes from the pass being cancelled. The
// item then keeps its stored status so the next pass handles it again.
func (h *OrgTaskHandler) interrupted(ctx context.Context, item *domain.WorkItem, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	h.logger.Info("work item interrupted",
		zap.String("job_id", item.JobID),
		zap.Int("sequence_id", item.SequenceID),
		zap.Error(err),
	)
	return true
}

// downstreamMessage prefers the message a downstream service sent back.
func downstreamMessage(err error) string {
	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	return err.Error()
}

// orgStatus maps the status column; blank means active.
func orgStatus(row domain.Record) (int, bool) {
	if value, ok := row.Extra[domain.KeyStatus].(float64); ok {
		switch int(value) {
		case orgStatusActive, orgStatusInactive:
			return int(value), true
		}
		return 0, false
	}
	value, _ := row.Get(domain.KeyStatus)
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return orgStatusActive, true
	case "active":
		return orgStatusActive, true
	case "inactive":
		return orgStatusInactive, true
	default:
		return 0, false
	}
}

// locationCodes reads the location column as a comma separated string or a
// list, dropping blanks.
func locationCodes(row domain.Record) []string {
	var raw []string
	if value, ok := row.Get(domain.KeyLocationCode); ok {
		raw = strings.Split(value, ",")
	} else if list, ok := row.Extra[domain.KeyLocationCode].([]any); ok {
		for _, entry := range list {
			if code, ok := entry.(string); ok {
				raw = append(raw, code)
			}
		}
	}

	codes := make([]string, 0, len(raw))
	for _, code := range raw {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
