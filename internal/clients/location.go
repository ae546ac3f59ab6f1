package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iago/bulkupload-back/internal/cache"
)

// LocationClient searches locations by code.
type LocationClient struct {
	baseClient
}

func NewLocationClient(config Config) *LocationClient {
	return &LocationClient{baseClient: newBaseClient("location service", config)}
}

// ResolveByCode returns nil when no location carries code.
func (c *LocationClient) ResolveByCode(ctx context.Context, code string) (*cache.Location, error) {
	var envelope struct {
		Result struct {
			Response []cache.Location `json:"response"`
		} `json:"result"`
	}
	body := map[string]any{
		"request": map[string]any{
			"filters": map[string]string{"code": code},
		},
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/location/search", body, &envelope, true); err != nil {
		return nil, fmt.Errorf("search location %s: %w", code, err)
	}
	if len(envelope.Result.Response) == 0 {
		return nil, nil
	}
	location := envelope.Result.Response[0]
	return &location, nil
}

var _ cache.LocationResolver = (*LocationClient)(nil)
