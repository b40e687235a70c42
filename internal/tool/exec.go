package tool

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/metalagman/netdiag/internal/model"
)

// runCommand executes argv with a hard deadline. A process that outlives
// the timeout is killed and the invocation is recorded as timed out. A
// completed process that produced output counts as usable even on a
// non-zero exit, since failing probes are themselves diagnostic signal.
func runCommand(ctx context.Context, inv model.ToolInvocation, argv []string, timeout time.Duration) model.ToolInvocation {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	inv.Duration = time.Since(inv.StartedAt)
	inv.Output = out.String()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		inv.Status = model.InvocationTimedOut
		inv.ExitCode = -1
		inv.Error = "invocation exceeded timeout of " + timeout.String()
	case err == nil:
		inv.Status = model.InvocationOK
		inv.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			inv.ExitCode = exitErr.ExitCode()
			if strings.TrimSpace(inv.Output) != "" {
				inv.Status = model.InvocationOK
			} else {
				inv.Status = model.InvocationError
				inv.Error = err.Error()
			}
		} else {
			inv.Status = model.InvocationError
			inv.ExitCode = -1
			inv.Error = err.Error()
		}
	}
	return inv
}

func builtinTools() []Tool {
	return []Tool{
		{
			Name: "ping",
			Args: func(target string, params map[string]string) []string {
				count := paramInt(params, "count", 4)
				return []string{"ping", "-c", strconv.Itoa(count), target}
			},
			Parse: ParsePing,
		},
		{
			Name: "traceroute",
			Args: func(target string, params map[string]string) []string {
				maxHops := paramInt(params, "max_hops", 15)
				return []string{"traceroute", "-m", strconv.Itoa(maxHops), target}
			},
			Parse: ParseTraceroute,
		},
		{
			Name: "dns",
			Args: func(target string, params map[string]string) []string {
				args := []string{"dig", "+short"}
				if qtype := params["type"]; qtype != "" {
					args = append(args, "-t", qtype)
				}
				return append(args, target)
			},
			Parse: ParseDNS,
		},
		{
			Name: "capture",
			Args: func(target string, params map[string]string) []string {
				count := paramInt(params, "count", 20)
				args := []string{"tcpdump", "-c", strconv.Itoa(count), "-n"}
				if iface := params["interface"]; iface != "" {
					args = append(args, "-i", iface)
				}
				return append(args, "host", target)
			},
		},
		{
			Name: "logs",
			Args: func(target string, params map[string]string) []string {
				lines := paramInt(params, "lines", 200)
				args := []string{"journalctl", "-n", strconv.Itoa(lines), "--no-pager"}
				if unit := params["unit"]; unit != "" {
					args = append(args, "-u", unit)
				}
				if pattern := params["grep"]; pattern != "" {
					args = append(args, "-g", pattern)
				}
				return args
			},
		},
	}
}

func paramInt(params map[string]string, key string, def int) int {
	raw, ok := params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
