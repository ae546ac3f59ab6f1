package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	EntityUser         = "user"
	EntityOrganisation = "org"
)

// DirectoryClient reads user and organisation entities.
type DirectoryClient struct {
	baseClient
}

func NewDirectoryClient(config Config) *DirectoryClient {
	return &DirectoryClient{baseClient: newBaseClient("directory", config)}
}

// GetEntityByID returns the entity fields, or nil when it does not exist.
func (c *DirectoryClient) GetEntityByID(ctx context.Context, kind, id string) (map[string]any, error) {
	var envelope struct {
		Result map[string]any `json:"result"`
	}
	path := fmt.Sprintf("/v1/%s/read/%s", url.PathEscape(kind), url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelope, true); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return envelope.Result, nil
}
