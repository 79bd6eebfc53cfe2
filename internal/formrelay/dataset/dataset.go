// Package dataset parses uploaded lead files into submission targets.
package dataset

import (
	"encoding/csv"
	"io"
	"strings"

	"formrelay/pkg/errors"
)

// Column headers accepted as the target URL column, checked in order.
var targetColumns = []string{"website", "Website", "domain", "url"}

// MaxTargets caps a single upload so one job cannot monopolize the worker
// pool for days.
const MaxTargets = 50000

// Parse reads a CSV lead file and extracts the target URL column. The
// header row is required; column names are matched after trimming
// whitespace. Blank cells are skipped. Returns a ValidationError for
// malformed CSV, a missing target column or an empty dataset.
func Parse(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.NewValidationError("file", "dataset is empty")
	}
	if err != nil {
		return nil, errors.NewValidationError("file", "malformed CSV: "+err.Error())
	}

	col := targetColumn(header)
	if col < 0 {
		return nil, errors.NewValidationError("file", "no website, domain or url column found")
	}

	var targets []string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewValidationError("file", "malformed CSV: "+err.Error())
		}
		if col >= len(row) {
			continue
		}
		target := strings.TrimSpace(row[col])
		if target == "" {
			continue
		}
		targets = append(targets, target)
		if len(targets) > MaxTargets {
			return nil, errors.NewValidationError("file", "dataset exceeds the maximum number of targets")
		}
	}

	if len(targets) == 0 {
		return nil, errors.NewValidationError("file", "dataset contains no targets")
	}
	return targets, nil
}

func targetColumn(header []string) int {
	trimmed := make([]string, len(header))
	for i, name := range header {
		trimmed[i] = strings.TrimSpace(name)
	}
	for _, want := range targetColumns {
		for i, name := range trimmed {
			if name == want {
				return i
			}
		}
	}
	return -1
}
