package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	idColumn        = "id_code"
	diagnosisColumn = "diagnosis"
)

// ErrMissingColumn is returned when the label table lacks id_code or diagnosis.
var ErrMissingColumn = errors.New("label table is missing a required column")

// Label is one row of the label table.
type Label struct {
	ID        string
	Diagnosis int64
}

// ReadLabelsFile opens path and reads it with ReadLabels.
func ReadLabelsFile(path string) ([]Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	return ReadLabels(f)
}

// ReadLabels parses a CSV table whose header names id_code and diagnosis in any
// order. Extra columns are ignored.
func ReadLabels(r io.Reader) ([]Label, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	idIdx, diagIdx := -1, -1
	for i, name := range header {
		switch strings.TrimPrefix(strings.TrimSpace(name), "\ufeff") {
		case idColumn:
			idIdx = i
		case diagnosisColumn:
			diagIdx = i
		}
	}
	if idIdx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, idColumn)
	}
	if diagIdx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, diagnosisColumn)
	}

	var labels []Label
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read labels: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if len(record) <= idIdx || len(record) <= diagIdx {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, max(idIdx, diagIdx)+1, len(record))
		}

		id := strings.TrimSpace(record[idIdx])
		if id == "" {
			return nil, fmt.Errorf("line %d: empty %s", line, idColumn)
		}
		diagnosis, err := strconv.ParseInt(strings.TrimSpace(record[diagIdx]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid %s %q", line, diagnosisColumn, record[diagIdx])
		}
		labels = append(labels, Label{ID: id, Diagnosis: diagnosis})
	}
	return labels, nil
}
