// Package extract turns raw recognized text into structured receipts.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/slipstream/slipstream/internal/pipeline"
)

const extractPrompt = `You are extracting structured data from the raw text of a receipt or invoice. Analyze the text and return ONLY valid JSON in this exact format:

{
  "merchant_name": "Store Name",
  "date": "YYYY-MM-DD",
  "total_amount": 0.00,
  "currency": "TWD",
  "items": [
    {"description": "item", "quantity": 1, "unit_price": 0.00, "amount": 0.00}
  ],
  "tax": 0.00,
  "payment_method": "cash",
  "invoice_number": "AB-12345678",
  "confidence_score": 0.0
}

Rules:
- merchant_name is the business name, usually at the top of the receipt
- date is the transaction date converted to YYYY-MM-DD
- total_amount is the final total or amount due, as a number
- currency is the ISO 4217 code; default to "TWD" when not stated
- items, tax, payment_method, and invoice_number may be null when not present
- confidence_score is your confidence in the extraction, between 0.0 and 1.0
- Use null for any field you cannot find; never invent values
- Do not include any text before or after the JSON
- Do not use markdown code blocks

Receipt text:
`

// Gemini implements pipeline.StructureExtractor using a Gemini model.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a Gemini extractor.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Extract prompts the model for structured receipt data and parses the
// JSON response.
func (g *Gemini) Extract(ctx context.Context, rawText string) (*pipeline.StructuredReceipt, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(extractPrompt+rawText))
	if err != nil {
		return nil, fmt.Errorf("generating extraction: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, pipeline.Transientf("no response from model")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	receipt, err := parseReceipt(text.String())
	if err != nil {
		return nil, pipeline.WithClass(pipeline.ClassMalformedResponse, fmt.Errorf("parsing extraction response: %w", err))
	}
	receipt.RawText = rawText
	return receipt, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
