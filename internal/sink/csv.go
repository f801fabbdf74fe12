package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/slipstream/slipstream/internal/pipeline"
)

// csvHeader mirrors the spreadsheet columns: merchant, date, currency,
// total, source link.
var csvHeader = []string{"商家", "日期", "幣別", "總計", "連結"}

// CSV implements pipeline.ResultSink as an append-only local CSV file,
// the offline counterpart of the Sheets sink. New files get a UTF-8 BOM
// and a header row so the output opens cleanly in Excel.
type CSV struct {
	path string
	mu   sync.Mutex
}

// NewCSV creates a CSV sink writing to path. The parent directory is
// created if needed.
func NewCSV(path string) (*CSV, error) {
	if path == "" {
		return nil, fmt.Errorf("csv path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	return &CSV{path: path}, nil
}

// Write appends the receipt as a row and returns the file path as the
// sink reference. Serialized with a mutex so concurrent workers never
// interleave partial rows.
func (c *CSV) Write(_ context.Context, receipt *pipeline.StructuredReceipt, file pipeline.FileRecord) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("opening export file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("inspecting export file: %w", err)
	}

	// BOM, header, and row are staged in memory and appended in a
	// single write, so a failure never leaves a partial prefix that a
	// later Write would mistake for a headed file.
	var buf bytes.Buffer
	if info.Size() == 0 {
		buf.WriteString("\ufeff")
	}
	writer := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			return "", fmt.Errorf("encoding header: %w", err)
		}
	}

	row := Row(receipt, file)
	record := make([]string, len(row))
	for i, v := range row {
		record[i] = fmt.Sprint(v)
	}
	if err := writer.Write(record); err != nil {
		return "", fmt.Errorf("encoding row: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("encoding export rows: %w", err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return "", fmt.Errorf("writing export file: %w", err)
	}
	return c.path, nil
}
