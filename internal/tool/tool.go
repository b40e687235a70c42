// Package tool executes diagnostic operations (latency probes, path
// traces, packet captures, log queries) through a single controlled entry
// point so timeouts, concurrency limits and audit logging apply uniformly.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/netdiag/internal/model"
)

// ErrUnsupportedTool is returned for tool names absent from the registry.
var ErrUnsupportedTool = errors.New("unsupported tool")

// Runner is the injectable tool-execution boundary. Implementations must
// enforce the timeout strictly: an invocation either completes within it
// or is recorded as timed out, never left hanging.
type Runner interface {
	Invoke(ctx context.Context, name, target string, params map[string]string, timeout time.Duration) model.ToolInvocation
	Names() []string
}

// Tool is one registered diagnostic operation.
type Tool struct {
	Name string
	// Args builds the command argv for a target and parameter set.
	Args func(target string, params map[string]string) []string
	// Parse extracts structured findings from raw output. Optional.
	Parse func(output string) map[string]any
}

// Registry is the default Runner, dispatching to registered tools run as
// OS processes.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry with the built-in diagnostic tools,
// filtered by the allow list when one is given.
func NewRegistry(allow []string) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	allowed := func(name string) bool {
		if len(allow) == 0 {
			return true
		}
		for _, a := range allow {
			if a == name {
				return true
			}
		}
		return false
	}
	for _, t := range builtinTools() {
		if allowed(t.Name) {
			r.tools[t.Name] = t
		}
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

// Names lists the registered tool names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseFindings runs the tool's output parser, if it has one.
func (r *Registry) ParseFindings(name, output string) map[string]any {
	t, ok := r.tools[name]
	if !ok || t.Parse == nil {
		return nil
	}
	return t.Parse(output)
}

// Invoke runs one diagnostic tool against a target. Unknown names fail
// fast with an unsupported status; they are never silently ignored.
func (r *Registry) Invoke(ctx context.Context, name, target string, params map[string]string, timeout time.Duration) model.ToolInvocation {
	inv := model.ToolInvocation{
		ID:        uuid.NewString(),
		Tool:      name,
		Target:    target,
		Params:    params,
		StartedAt: time.Now().UTC(),
	}

	t, ok := r.tools[name]
	if !ok {
		inv.Status = model.InvocationUnsupported
		inv.Error = fmt.Sprintf("%v: %s", ErrUnsupportedTool, name)
		inv.ExitCode = -1
		r.audit(inv)
		return inv
	}

	inv = runCommand(ctx, inv, t.Args(target, params), timeout)
	r.audit(inv)
	return inv
}

func (r *Registry) audit(inv model.ToolInvocation) {
	log.Info().
		Str("invocation_id", inv.ID).
		Str("tool", inv.Tool).
		Str("target", inv.Target).
		Str("status", string(inv.Status)).
		Int("exit_code", inv.ExitCode).
		Dur("duration", inv.Duration).
		Msg("tool invoked")
}
