package clients

import (
	"context"
	"net/http"

	"github.com/iago/bulkupload-back/internal/domain"
)

// OrgClient creates and updates organisations.
type OrgClient struct {
	baseClient
}

func NewOrgClient(config Config) *OrgClient {
	return &OrgClient{baseClient: newBaseClient("org service", config)}
}

// CreateOrg is never retried: a repeated create could duplicate the
// organisation.
func (c *OrgClient) CreateOrg(ctx context.Context, payload domain.Record) (string, error) {
	var envelope struct {
		Result struct {
			OrganisationID string `json:"organisationId"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/org/create", map[string]any{"request": payload}, &envelope, false); err != nil {
		return "", err
	}
	return envelope.Result.OrganisationID, nil
}

func (c *OrgClient) UpdateOrg(ctx context.Context, payload domain.Record) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/org/update", map[string]any{"request": payload}, nil, true)
}
