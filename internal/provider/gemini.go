package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiCompleter calls the Gemini API through the genai SDK.
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

// NewGeminiCompleter creates a Gemini client. baseURL overrides the API
// endpoint and is only needed for proxies and tests.
func NewGeminiCompleter(ctx context.Context, apiKey, baseURL, model string) (*GeminiCompleter, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model}, nil
}

func (g *GeminiCompleter) Complete(ctx context.Context, prompt string, maxTokens int) (Completion, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.3),
		MaxOutputTokens:   int32(maxTokens),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return Completion{}, fmt.Errorf("generate content: %w", err)
	}

	c := Completion{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		c.Tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if c.Text == "" {
		return Completion{}, fmt.Errorf("gemini returned no text")
	}
	return c, nil
}
