package modelapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/metalagman/netdiag/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIClient wraps the OpenAI Responses API for oneshot calls.
type openAIClient struct {
	model  string
	client openai.Client
}

func newOpenAIClient(cfg config.BackendConfig) (Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model is required")
	}

	apiKey, err := resolveAPIKey(cfg, "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &openAIClient{
		model: model,
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithRequestTimeout(timeoutOf(cfg)),
		),
	}, nil
}

// Complete executes a single Responses API request.
func (c *openAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        c.model,
		Instructions: openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(req.Input),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai responses.create: %w", err)
	}
	if msg := strings.TrimSpace(resp.Error.Message); msg != "" {
		return Response{}, fmt.Errorf("openai response failed: %s", msg)
	}

	output := strings.TrimSpace(resp.OutputText())
	if output == "" {
		return Response{}, fmt.Errorf("openai response did not contain output text")
	}

	return Response{OutputText: output}, nil
}
