package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/DeafMist/event-dedup/internal/models"
)

// Appender adds raw news rows to the aggregated CSV the pipeline reads.
// The header is written when the file is created; an existing file keeps its
// header and rows are laid out to match it.
type Appender struct {
	mu     sync.Mutex
	path   string
	header []string
}

// NewAppender prepares path for appending. extra names the passthrough
// columns used when the file does not exist yet.
func NewAppender(path string, extra []string) (*Appender, error) {
	header, err := readHeader(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		header = append([]string{ColTitle, ColStartDate}, extra...)
		if err := writeHeader(path, header); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	seen := map[string]bool{}
	for _, h := range header {
		seen[h] = true
	}
	if !seen[ColTitle] || !seen[ColStartDate] {
		return nil, fmt.Errorf("%w: %s needs %s and %s", ErrMissingColumn, path, ColTitle, ColStartDate)
	}

	return &Appender{path: path, header: header}, nil
}

// Append writes one record as a row.
func (a *Appender) Append(rec *models.NewsRecord) error {
	row := make([]string, len(a.header))
	for i, col := range a.header {
		switch col {
		case ColTitle:
			row[i] = rec.Title
		case ColStartDate:
			row[i] = rec.StartDate.Format(models.DateLayout)
		case ColEventType:
			row[i] = rec.EventType
		default:
			row[i] = rec.Extra[col]
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.path, err)
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(row); err != nil {
		f.Close()
		return fmt.Errorf("append row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("append row: %w", err)
	}
	return f.Close()
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingColumn, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

func writeHeader(path string, header []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
