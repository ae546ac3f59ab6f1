package tabular

import (
	"strings"

	"github.com/iago/bulkupload-back/internal/domain"
)

// HeaderOptions drives header validation.
type HeaderOptions struct {
	// Allowed lists every accepted column name.
	Allowed []string
	// AllFieldsMandatory requires every allowed column to be present.
	AllFieldsMandatory bool
	// CaseInsensitive compares column names lower-cased.
	CaseInsensitive bool
	// Mandatory lists canonical names that must be present after Aliases
	// resolution.
	Mandatory []string
	// Aliases maps an external column name to its canonical name. Keys are
	// expected lower-cased when CaseInsensitive is set.
	Aliases map[string]string
}

func (o HeaderOptions) normalize(name string) string {
	name = strings.TrimSpace(name)
	if o.CaseInsensitive {
		return strings.ToLower(name)
	}
	return name
}

// Canonical resolves a header column through the alias map.
func (o HeaderOptions) Canonical(column string) string {
	key := o.normalize(column)
	if mapped, ok := o.Aliases[key]; ok && mapped != "" {
		return mapped
	}
	return strings.TrimSpace(column)
}

// ValidateHeader checks header against opts. The verdict does not depend on
// column order.
func ValidateHeader(header Row, opts HeaderOptions) error {
	if len(header) == 0 || header.Blank() {
		return domain.EmptyHeaderError()
	}

	present := make(map[string]struct{}, len(header))
	for _, column := range header {
		present[opts.normalize(column)] = struct{}{}
	}

	if opts.AllFieldsMandatory {
		for _, name := range opts.Allowed {
			if _, ok := present[opts.normalize(name)]; !ok {
				return domain.MissingMandatoryFieldError(name)
			}
		}
	}

	allowed := make(map[string]struct{}, len(opts.Allowed))
	for _, name := range opts.Allowed {
		allowed[opts.normalize(name)] = struct{}{}
	}
	for _, column := range header {
		if _, ok := allowed[opts.normalize(column)]; !ok {
			return domain.InvalidColumnError(column, opts.Allowed)
		}
	}

	if len(opts.Mandatory) > 0 {
		resolved := make(map[string]struct{}, len(header))
		for _, column := range header {
			resolved[opts.Canonical(column)] = struct{}{}
		}
		for _, name := range opts.Mandatory {
			if _, ok := resolved[name]; !ok {
				return domain.MissingMandatoryFieldError(name)
			}
		}
	}
	return nil
}

// ValidateFile runs the file level checks: empty file, header, missing data rows
// and the row limit. maxRows <= 0 disables the limit.
func ValidateFile(rows []Row, opts HeaderOptions, maxRows int) error {
	if len(rows) == 0 {
		return domain.EmptyFileError()
	}
	if err := ValidateHeader(rows[0], opts); err != nil {
		return err
	}
	if len(rows) < 2 {
		return domain.NoDataRowsError()
	}
	if maxRows > 0 && len(rows)-1 > maxRows {
		return domain.FileTooLargeError(maxRows)
	}
	return nil
}
