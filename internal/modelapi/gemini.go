package modelapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/metalagman/netdiag/internal/config"
)

// geminiClient completes requests against the Gemini API.
type geminiClient struct {
	model   string
	timeout time.Duration
	client  *genai.Client
}

func newGeminiClient(ctx context.Context, cfg config.BackendConfig) (Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}

	apiKey, err := resolveAPIKey(cfg, "GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{
		model:   model,
		timeout: timeoutOf(cfg),
		client:  client,
	}, nil
}

func (c *geminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(req.Input),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.Instructions, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return Response{}, fmt.Errorf("gemini generate content: %w", err)
	}

	output := strings.TrimSpace(resp.Text())
	if output == "" {
		return Response{}, fmt.Errorf("gemini response did not contain output text")
	}

	return Response{OutputText: output}, nil
}
