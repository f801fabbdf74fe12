package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/slipstream/slipstream/internal/pipeline"
)

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// parseReceipt parses the model's JSON response into a receipt. Models
// wrap responses in markdown fences and preambles despite instructions,
// so parsing is bounded to the outermost JSON object. A date that
// cannot be normalized is dropped rather than guessed: the pipeline
// records missing required fields explicitly.
func parseReceipt(text string) (*pipeline.StructuredReceipt, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	text = text[start : end+1]

	var receipt pipeline.StructuredReceipt
	if err := json.Unmarshal([]byte(text), &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	receipt.MerchantName = strings.TrimSpace(receipt.MerchantName)
	receipt.Date = normalizeDate(receipt.Date)
	if receipt.Currency == "" {
		receipt.Currency = "TWD"
	}
	return &receipt, nil
}

func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
