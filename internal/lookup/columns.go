package lookup

import (
	"context"
	"sort"
	"strings"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/tabular"
)

// ColumnConfig is the upload column configuration of one object type.
type ColumnConfig struct {
	// SupportedColumns maps an external header name to the internal key.
	SupportedColumns map[string]string `yaml:"supportedColumns" json:"supportedColumns"`
	// MandatoryColumns are internal keys every row must carry.
	MandatoryColumns []string `yaml:"mandatoryColumns" json:"mandatoryColumns"`
}

// ColumnConfigProvider returns the column configuration for an object type.
// A nil config with a nil error means none is configured.
type ColumnConfigProvider interface {
	SupportedColumns(ctx context.Context, objectType string) (*ColumnConfig, error)
}

var defaultAllowedColumns = map[string][]string{
	domain.ObjectTypeOrganisation: {
		domain.KeyOrganisationID,
		domain.KeyOrganisationName,
		domain.KeyOrganisationType,
		domain.KeyStatus,
		domain.KeyExternalID,
		domain.KeyLocationCode,
		"description",
		"homeUrl",
		"orgCode",
		"preferredLanguage",
		"provider",
	},
}

// DefaultAllowedColumns is the header accepted when no configuration exists.
func DefaultAllowedColumns(objectType string) []string {
	return append([]string(nil), defaultAllowedColumns[objectType]...)
}

// Aliases merges lower-cased external names and lower-cased internal names,
// both pointing at the internal key.
func (c *ColumnConfig) Aliases() map[string]string {
	if c == nil {
		return nil
	}
	aliases := make(map[string]string, len(c.SupportedColumns)*2)
	for external, internal := range c.SupportedColumns {
		aliases[strings.ToLower(external)] = internal
	}
	for _, internal := range c.SupportedColumns {
		aliases[strings.ToLower(internal)] = internal
	}
	return aliases
}

// HeaderOptions builds header validation options. Without a config only the
// default columns are accepted, compared case-sensitively.
func HeaderOptions(config *ColumnConfig, objectType string) tabular.HeaderOptions {
	if config == nil {
		return tabular.HeaderOptions{Allowed: DefaultAllowedColumns(objectType)}
	}

	aliases := config.Aliases()
	seen := make(map[string]struct{}, len(aliases)*2)
	allowed := make([]string, 0, len(aliases)*2)
	for key, value := range aliases {
		for _, name := range []string{key, value} {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			allowed = append(allowed, name)
		}
	}
	sort.Strings(allowed)

	return tabular.HeaderOptions{
		Allowed:         allowed,
		CaseInsensitive: true,
		Mandatory:       append([]string(nil), config.MandatoryColumns...),
		Aliases:         aliases,
	}
}
