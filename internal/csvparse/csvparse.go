// Package csvparse reads uploaded CSV batches into header-addressed records.
package csvparse

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeitec/verifier-worker/internal/apperr"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Record is one data row. Row is 1-based and excludes the header line.
type Record struct {
	Row    int
	fields map[string]string
}

// Get returns the trimmed value of a column, or "" when absent
func (r Record) Get(column string) string {
	return r.fields[column]
}

// Has reports whether the column is present and non-empty
func (r Record) Has(column string) bool {
	return r.fields[column] != ""
}

// Parse reads data, checks that every required column is present and that the
// batch holds at most maxRows records (0 disables the cap). All failures are
// validation errors; nothing is returned unless the whole file is readable.
func Parse(data []byte, required []string, maxRows int) ([]Record, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, apperr.Validation("empty_file", "uploaded CSV is empty")
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, malformed(err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	if missing := missingColumns(header, required); len(missing) > 0 {
		return nil, apperr.Validation("missing_columns",
			fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", "))).
			WithMetadata("missing", missing)
	}

	var (
		records []Record
		details []apperr.FieldError
	)
	for row := 1; ; row++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed(err)
		}
		if maxRows > 0 && row > maxRows {
			return nil, apperr.Validation("too_many_rows",
				fmt.Sprintf("CSV exceeds the maximum of %d rows", maxRows)).
				WithMetadata("max_rows", maxRows)
		}
		if len(fields) != len(header) {
			details = append(details, apperr.FieldError{
				Row:     row,
				Message: fmt.Sprintf("expected %d fields, got %d", len(header), len(fields)),
			})
			continue
		}

		rec := Record{Row: row, fields: make(map[string]string, len(header))}
		for i, col := range header {
			rec.fields[col] = strings.TrimSpace(fields[i])
		}
		records = append(records, rec)
	}

	if len(details) > 0 {
		return nil, apperr.Validation("malformed_rows", "CSV contains malformed rows", details...)
	}
	if len(records) == 0 {
		return nil, apperr.Validation("no_rows", "CSV contains a header but no data rows")
	}
	return records, nil
}

func missingColumns(header, required []string) []string {
	present := make(map[string]struct{}, len(header))
	for _, h := range header {
		present[h] = struct{}{}
	}
	var missing []string
	for _, col := range required {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

func malformed(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return apperr.Validation("malformed_csv", "CSV could not be parsed",
			apperr.FieldError{Row: parseErr.Line - 1, Message: parseErr.Err.Error()})
	}
	return apperr.Validation("malformed_csv", fmt.Sprintf("CSV could not be parsed: %v", err))
}
