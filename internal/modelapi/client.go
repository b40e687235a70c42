// Package modelapi is the boundary to the language-model backend. The
// orchestration layer only depends on the Client interface; concrete
// backends (openai, gemini, exec) are selected by configuration.
package modelapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/metalagman/netdiag/internal/config"
)

// ErrNoCredentials indicates a missing backend credential. It is a fatal
// configuration error; callers must not retry.
var ErrNoCredentials = errors.New("model backend credential is missing")

const defaultTimeout = 60 * time.Second

// Request is a single structured completion request for one stage.
type Request struct {
	Stage        string
	Instructions string
	Input        string
	// OutputSchema is the JSON schema the backend is asked to conform to.
	// Only the exec backend enforces it at invocation time; API backends
	// receive it as part of the instructions and are validated downstream.
	OutputSchema string
}

// Response is the raw text produced by the backend.
type Response struct {
	OutputText string
}

// Client completes structured reasoning requests against a backend.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// New constructs the backend selected by cfg.
func New(ctx context.Context, cfg config.BackendConfig) (Client, error) {
	switch cfg.Type {
	case "openai":
		return newOpenAIClient(cfg)
	case "gemini":
		return newGeminiClient(ctx, cfg)
	case "exec":
		return newExecClient(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// resolveAPIKey reads the credential from config or the configured
// environment variable, falling back to fallbackEnv.
func resolveAPIKey(cfg config.BackendConfig, fallbackEnv string) (string, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key != "" {
		return key, nil
	}
	envKey := strings.TrimSpace(cfg.APIKeyEnv)
	if envKey == "" {
		envKey = fallbackEnv
	}
	key = strings.TrimSpace(os.Getenv(envKey))
	if key == "" {
		return "", fmt.Errorf("%w (set api_key or %s)", ErrNoCredentials, envKey)
	}
	return key, nil
}

func timeoutOf(cfg config.BackendConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultTimeout
}
