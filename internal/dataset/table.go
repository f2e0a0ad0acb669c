// Package dataset reads and writes the news-record CSV files shared by every
// pipeline stage.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/DeafMist/event-dedup/internal/models"
	"github.com/DeafMist/event-dedup/internal/processing"
)

// Column names with fixed meaning.
const (
	ColTitle     = "title"
	ColStartDate = "start_date"
	ColEventType = "pred_event_type"
	ColEntities  = "entities"
	ColMerged    = "new_cluster"
)

// ErrMissingColumn is returned when a required column is absent from the header.
var ErrMissingColumn = errors.New("missing required column")

// Table is an ordered record set plus the columns it carries.
type Table struct {
	// Extra lists passthrough columns in input order.
	Extra []string
	// ClusterColumns lists cluster id columns in the order they were added.
	ClusterColumns []string
	HasEventType   bool
	HasEntities    bool
	Records        []*models.NewsRecord
}

// IsClusterColumn reports whether a header name holds cluster ids.
func IsClusterColumn(name string) bool {
	return strings.HasPrefix(name, "cluster_") ||
		strings.HasPrefix(name, "temporal_cluster_") ||
		name == ColMerged
}

// HasColumn reports whether the table carries the named column.
func (t *Table) HasColumn(name string) bool {
	switch name {
	case ColTitle, ColStartDate:
		return true
	case ColEventType:
		return t.HasEventType
	case ColEntities:
		return t.HasEntities
	}
	for _, c := range t.ClusterColumns {
		if c == name {
			return true
		}
	}
	for _, c := range t.Extra {
		if c == name {
			return true
		}
	}
	return false
}

// AddClusterColumn registers a cluster column if it is not present yet.
func (t *Table) AddClusterColumn(name string) {
	for _, c := range t.ClusterColumns {
		if c == name {
			return
		}
	}
	t.ClusterColumns = append(t.ClusterColumns, name)
}

// WithRecords returns a table with the same schema holding records.
func (t *Table) WithRecords(records []*models.NewsRecord) *Table {
	return &Table{
		Extra:          append([]string(nil), t.Extra...),
		ClusterColumns: append([]string(nil), t.ClusterColumns...),
		HasEventType:   t.HasEventType,
		HasEntities:    t.HasEntities,
		Records:        records,
	}
}

// Clone deep-copies the table so later stages cannot mutate a checkpoint.
func (t *Table) Clone() *Table {
	records := make([]*models.NewsRecord, len(t.Records))
	for i, rec := range t.Records {
		records[i] = rec.Clone()
	}
	return t.WithRecords(records)
}

// Header returns the CSV header for the table.
func (t *Table) Header() []string {
	header := []string{ColTitle, ColStartDate}
	if t.HasEventType {
		header = append(header, ColEventType)
	}
	if t.HasEntities {
		header = append(header, ColEntities)
	}
	header = append(header, t.Extra...)
	return append(header, t.ClusterColumns...)
}

// ReadFile loads a table from a CSV file.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

// Read parses a CSV stream with a header row.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s (empty file)", ErrMissingColumn, ColTitle)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	t := &Table{}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
		switch {
		case name == ColTitle || name == ColStartDate:
		case name == ColEventType:
			t.HasEventType = true
		case name == ColEntities:
			t.HasEntities = true
		case IsClusterColumn(name):
			t.ClusterColumns = append(t.ClusterColumns, name)
		default:
			t.Extra = append(t.Extra, name)
		}
	}
	for _, required := range []string{ColTitle, ColStartDate} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) != len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(row))
		}

		rec, err := t.decodeRow(row, index)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t.Records = append(t.Records, rec)
	}

	return t, nil
}

func (t *Table) decodeRow(row []string, index map[string]int) (*models.NewsRecord, error) {
	date, err := processing.ParseDate(row[index[ColStartDate]])
	if err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}

	rec := &models.NewsRecord{
		Title:     row[index[ColTitle]],
		StartDate: date,
	}

	if t.HasEventType {
		if v := strings.TrimSpace(row[index[ColEventType]]); !isNull(v) {
			rec.EventType = v
		}
	}
	if t.HasEntities {
		ents, err := DecodeEntities(row[index[ColEntities]])
		if err != nil {
			return nil, err
		}
		rec.Entities = ents
	}
	for _, col := range t.ClusterColumns {
		id, ok, err := parseClusterID(row[index[col]])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", col, err)
		}
		if ok {
			rec.SetCluster(col, id)
		}
	}
	if len(t.Extra) > 0 {
		rec.Extra = make(map[string]string, len(t.Extra))
		for _, col := range t.Extra {
			rec.Extra[col] = row[index[col]]
		}
	}
	return rec, nil
}

// WriteFile writes the table to path, replacing any existing file.
func WriteFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, t); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Write renders the table as CSV with a header row.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	header := t.Header()
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, rec := range t.Records {
		row = row[:0]
		row = append(row, rec.Title, rec.StartDate.Format(models.DateLayout))
		if t.HasEventType {
			row = append(row, rec.EventType)
		}
		if t.HasEntities {
			cell, err := EncodeEntities(rec.Entities)
			if err != nil {
				return err
			}
			row = append(row, cell)
		}
		for _, col := range t.Extra {
			row = append(row, rec.Extra[col])
		}
		for _, col := range t.ClusterColumns {
			if id, ok := rec.ClusterID(col); ok {
				row = append(row, strconv.Itoa(id))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func isNull(v string) bool {
	switch v {
	case "", "nan", "NaN", "<NA>", "None", "null":
		return true
	}
	return false
}

// parseClusterID accepts integer cells and the float form pandas writes for
// nullable integer columns ("3.0").
func parseClusterID(raw string) (int, bool, error) {
	raw = strings.TrimSpace(raw)
	if isNull(raw) {
		return 0, false, nil
	}
	if id, err := strconv.Atoi(raw); err == nil {
		return id, true, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, false, fmt.Errorf("invalid cluster id %q", raw)
	}
	return int(f), true, nil
}
