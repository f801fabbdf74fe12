// Package sink writes structured receipts to their destination.
package sink

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/slipstream/slipstream/internal/pipeline"
	"github.com/slipstream/slipstream/internal/source"
)

const defaultRange = "Sheet1!A1"

// Row converts a receipt to the sink row contract:
// [merchant, date, currency, total, source file link].
// A missing total becomes an empty cell, never a fabricated zero.
func Row(receipt *pipeline.StructuredReceipt, file pipeline.FileRecord) []interface{} {
	var total interface{}
	if receipt.TotalAmount != nil {
		total = *receipt.TotalAmount
	} else {
		total = ""
	}
	return []interface{}{
		receipt.MerchantName,
		receipt.Date,
		receipt.Currency,
		total,
		source.FileURL(file.ID),
	}
}

// Sheets implements pipeline.ResultSink on the Google Sheets append
// API. Appends are value-range batches, so a single call can carry many
// rows; the pipeline writes one row per file as each worker completes.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	rangeName     string
}

// NewSheets creates a Sheets sink targeting the spreadsheet.
func NewSheets(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*Sheets, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &Sheets{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		rangeName:     defaultRange,
	}, nil
}

// Write appends the receipt as a row and returns the updated range as
// the sink reference.
func (s *Sheets) Write(ctx context.Context, receipt *pipeline.StructuredReceipt, file pipeline.FileRecord) (string, error) {
	refs, err := s.Append(ctx, [][]interface{}{Row(receipt, file)})
	if err != nil {
		return "", err
	}
	return refs, nil
}

// Append writes rows to the spreadsheet in one batch call.
func (s *Sheets) Append(ctx context.Context, rows [][]interface{}) (string, error) {
	resp, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.rangeName, &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("appending to spreadsheet %s: %w", s.spreadsheetID, err)
	}
	if resp.Updates == nil {
		return s.spreadsheetID, nil
	}
	return resp.Updates.UpdatedRange, nil
}
