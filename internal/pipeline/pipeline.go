package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"
)

// FileRecord describes a candidate file as reported by the source.
// Immutable once discovered.
type FileRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified_time"`
}

// LineItem is a single line on a receipt.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
}

// StructuredReceipt is the structured form of a receipt produced by the
// extractor and consumed by the sink. TotalAmount and Date may be
// missing from the source document; Normalize records that instead of
// failing the file.
type StructuredReceipt struct {
	MerchantName  string     `json:"merchant_name"`
	Date          string     `json:"date"` // YYYY-MM-DD
	TotalAmount   *float64   `json:"total_amount"`
	Currency      string     `json:"currency"`
	Items         []LineItem `json:"items,omitempty"`
	Tax           *float64   `json:"tax,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	Confidence    float64    `json:"confidence_score"`
	RawText       string     `json:"raw_text"`
	MissingFields []string   `json:"missing_fields,omitempty"`
	ProcessedAt   time.Time  `json:"processed_at"`
}

// Normalize bounds the confidence score and records required fields the
// extractor could not resolve. Missing total or date is noted, not
// treated as a failure.
func (r *StructuredReceipt) Normalize(now time.Time) {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	if r.TotalAmount == nil {
		r.MissingFields = append(r.MissingFields, "total_amount")
	}
	if r.Date == "" {
		r.MissingFields = append(r.MissingFields, "date")
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = now
	}
}

// Incomplete reports whether a required field was missing.
func (r *StructuredReceipt) Incomplete() bool {
	return len(r.MissingFields) > 0
}

// FileSource lists and fetches candidate files.
type FileSource interface {
	// List returns the files under scope, in discovery order.
	List(ctx context.Context, scope string) ([]FileRecord, error)

	// Fetch returns the raw bytes and content kind for a file.
	Fetch(ctx context.Context, fileID string) ([]byte, string, error)
}

// TextRecognizer turns file bytes into raw text.
type TextRecognizer interface {
	Recognize(ctx context.Context, data []byte, contentType string) (string, error)
}

// StructureExtractor turns raw text into a structured receipt.
type StructureExtractor interface {
	Extract(ctx context.Context, rawText string) (*StructuredReceipt, error)
}

// ResultSink writes a structured receipt and returns a reference to the
// written row.
type ResultSink interface {
	Write(ctx context.Context, receipt *StructuredReceipt, file FileRecord) (string, error)
}

// ProcessedStore durably records the latest outcome per file identity.
type ProcessedStore interface {
	// HasSucceeded reports whether the file's authoritative outcome is
	// a success. Failed records do not count: a failed file stays
	// eligible for a later run.
	HasSucceeded(fileID string) (bool, error)

	// Record stores the outcome, last-write-wins by timestamp per
	// file identity.
	Record(o Outcome) error

	// History returns all recorded outcomes.
	History() ([]Outcome, error)
}

var supportedKinds = map[string]bool{
	"application/pdf": true,
	"image/gif":       true,
	"image/heic":      true,
	"image/heif":      true,
	"image/jpeg":      true,
	"image/png":       true,
}

// SupportedKind reports whether the pipeline can process the content kind.
func SupportedKind(contentType string) bool {
	kind := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(kind, ";"); i >= 0 {
		kind = strings.TrimSpace(kind[:i])
	}
	return supportedKinds[kind]
}

// SupportedKinds returns the processable content kinds, sorted.
func SupportedKinds() []string {
	kinds := make([]string, 0, len(supportedKinds))
	for k := range supportedKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
