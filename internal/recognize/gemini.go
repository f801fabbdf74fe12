// Package recognize extracts raw text from receipt images.
package recognize

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/slipstream/slipstream/internal/pipeline"
)

const transcribePrompt = `You are transcribing a receipt or invoice document. Read every piece of text in the image and return it as plain text, preserving the line structure of the original document as closely as possible.

Return ONLY the transcribed text. Do not summarize, translate, or add commentary. If the image contains no readable text, return an empty response.`

// Gemini implements pipeline.TextRecognizer using a Gemini vision model.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a Gemini recognizer.
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

// Recognize transcribes the document text. Inputs are normalized to PNG
// first; a file that cannot be decoded is a permanent failure.
func (g *Gemini) Recognize(ctx context.Context, data []byte, contentType string) (string, error) {
	pngData, err := normalizeToPNG(data, contentType)
	if err != nil {
		return "", pipeline.WithClass(pipeline.ClassUnsupportedInput, err)
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", pngData),
		genai.Text(transcribePrompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating transcription: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", pipeline.Transientf("no response from model")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
