package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiTransport talks to the Gemini API through the official SDK.
type GeminiTransport struct {
	client          *genai.Client
	model           string
	maxOutputTokens int32
}

// GeminiConfig tunes the Gemini transport.
type GeminiConfig struct {
	APIKey          string
	Model           string
	MaxOutputTokens int32
}

const defaultGeminiModel = "gemini-3-flash-preview"

// NewGeminiTransport builds a Gemini transport. The model defaults to a
// flash-tier model suited to high-volume structured output.
func NewGeminiTransport(ctx context.Context, cfg GeminiConfig) (*GeminiTransport, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 65536
	}
	return &GeminiTransport{client: client, model: model, maxOutputTokens: maxTokens}, nil
}

// Name implements Transport.
func (t *GeminiTransport) Name() string { return "gemini/" + t.model }

// Generate implements Transport.
func (t *GeminiTransport) Generate(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: t.maxOutputTokens,
	}
	if strings.TrimSpace(system) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	resp, err := t.client.Models.GenerateContent(ctx, t.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini returned an empty response")
	}
	return text, nil
}
