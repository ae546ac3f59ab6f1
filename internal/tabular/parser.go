package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/iago/bulkupload-back/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one decoded line with trimmed fields.
type Row []string

// Blank reports whether every field of the row is empty.
func (r Row) Blank() bool {
	for _, field := range r {
		if field != "" {
			return false
		}
	}
	return true
}

// Parse decodes data picking the format from the file name. XLSX workbooks
// are read from their first sheet; anything else is treated as CSV.
func Parse(filename string, data []byte) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return ParseXLSX(data)
	default:
		return ParseCSV(data)
	}
}

// ParseCSV decodes comma separated data with double-quote quoting. Blank
// rows are dropped.
func ParseCSV(data []byte) ([]Row, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1

	rows := make([]Row, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.MalformedInputError(err)
		}
		row := trimRow(record)
		if row.Blank() {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseXLSX decodes the first sheet of an XLSX workbook.
func ParseXLSX(data []byte) ([]Row, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, domain.MalformedInputError(err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return []Row{}, nil
	}
	records, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, domain.MalformedInputError(err)
	}

	rows := make([]Row, 0, len(records))
	for _, record := range records {
		row := trimRow(record)
		if row.Blank() {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func trimRow(record []string) Row {
	row := make(Row, len(record))
	for i, field := range record {
		row[i] = strings.TrimSpace(field)
	}
	return row
}
