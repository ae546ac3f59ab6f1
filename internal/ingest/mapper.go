package ingest

import (
	"sort"
	"strings"

	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/tabular"
)

// MapOptions controls how a raw row becomes a record.
type MapOptions struct {
	// CaseInsensitive lower-cases column names before the alias lookup.
	CaseInsensitive bool
	// Aliases maps external column names to internal keys.
	Aliases map[string]string
	// Constants are added to every record and override row values.
	Constants map[string]string
}

// MapRow zips columns with row by position. Cells beyond the header and
// columns beyond the row are ignored; blank cells become null.
func MapRow(columns []string, row tabular.Row, opts MapOptions) domain.Record {
	record := domain.Record{Fields: make([]domain.Field, 0, len(columns)+len(opts.Constants))}

	width := len(columns)
	if len(row) < width {
		width = len(row)
	}
	for i := 0; i < width; i++ {
		var value *string
		if cell := strings.TrimSpace(row[i]); cell != "" {
			value = domain.StringPtr(cell)
		}
		record.Set(resolveColumn(columns[i], opts), value)
	}

	keys := make([]string, 0, len(opts.Constants))
	for key := range opts.Constants {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		record.Set(key, domain.StringPtr(opts.Constants[key]))
	}
	return record
}

func resolveColumn(column string, opts MapOptions) string {
	column = strings.TrimSpace(column)
	lookup := column
	if opts.CaseInsensitive {
		lookup = strings.ToLower(column)
	}
	if mapped, ok := opts.Aliases[lookup]; ok && mapped != "" {
		return mapped
	}
	return column
}
