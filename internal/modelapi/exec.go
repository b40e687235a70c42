package modelapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/metalagman/ainvoke"

	"github.com/metalagman/netdiag/internal/config"
)

// execClient shells out to a local CLI agent for completions. ainvoke
// handles writing the input payload, schema enforcement, and process
// lifecycle.
type execClient struct {
	runner  ainvoke.Runner
	timeout time.Duration
}

func newExecClient(cfg config.BackendConfig) (Client, error) {
	if len(cfg.Cmd) == 0 {
		return nil, fmt.Errorf("exec backend requires cmd")
	}

	useTTY := false
	if cfg.UseTTY != nil {
		useTTY = *cfg.UseTTY
	}

	runner, err := ainvoke.NewRunner(ainvoke.AgentConfig{
		Cmd:    cfg.Cmd,
		UseTTY: useTTY,
	})
	if err != nil {
		return nil, fmt.Errorf("init exec backend: %w", err)
	}

	return &execClient{runner: runner, timeout: timeoutOf(cfg)}, nil
}

func (c *execClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	runDir, err := os.MkdirTemp("", "netdiag-exec-*")
	if err != nil {
		return Response{}, fmt.Errorf("create exec run dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(runDir) }()

	var input json.RawMessage = []byte(req.Input)
	inv := ainvoke.Invocation{
		RunDir:       runDir,
		SystemPrompt: req.Instructions,
		Input:        input,
		OutputSchema: req.OutputSchema,
	}

	out, errOut, exitCode, err := c.runner.Run(ctx, inv,
		ainvoke.WithStdout(io.Discard),
		ainvoke.WithStderr(io.Discard),
	)
	if err != nil {
		return Response{}, fmt.Errorf("run exec backend: %w", err)
	}
	if exitCode != 0 {
		return Response{}, fmt.Errorf("exec backend exited with code %d: %s", exitCode, strings.TrimSpace(string(errOut)))
	}

	output := strings.TrimSpace(string(out))
	if output == "" {
		return Response{}, fmt.Errorf("exec backend produced no output")
	}

	return Response{OutputText: output}, nil
}
