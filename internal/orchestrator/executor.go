package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/stage"
	"github.com/metalagman/netdiag/internal/tool"
)

// ErrNoUsableOutput indicates that no tool invocation in an executor run
// produced usable output. The stage result still carries the recorded
// invocations for the case log.
var ErrNoUsableOutput = errors.New("no tool invocation produced usable output")

// FindingsParser extracts structured findings from raw tool output.
// *tool.Registry satisfies it; mocks may pass nil.
type FindingsParser interface {
	ParseFindings(name, output string) map[string]any
}

// executorStage runs the planned diagnostic actions through the tool
// runner. Actions fan out concurrently up to the configured limit;
// results are folded back in planned order so downstream stages see
// deterministic input regardless of completion order.
type executorStage struct {
	runner      tool.Runner
	parser      FindingsParser
	fanout      int
	toolTimeout time.Duration
}

// NewExecutor constructs the executor stage.
func NewExecutor(runner tool.Runner, parser FindingsParser, fanout int, toolTimeout time.Duration) stage.Stage {
	if fanout <= 0 {
		fanout = 1
	}
	return &executorStage{
		runner:      runner,
		parser:      parser,
		fanout:      fanout,
		toolTimeout: toolTimeout,
	}
}

func (s *executorStage) Kind() model.StageKind { return model.StageExecutor }

func (s *executorStage) Run(ctx context.Context, view model.CaseView, _ stage.Options) (model.StageResult, error) {
	startedAt := time.Now().UTC()

	actions := RemainingActions(view)
	if len(actions) == 0 {
		return model.StageResult{}, stage.Fatal(model.StageExecutor, fmt.Errorf("no planned actions to execute"))
	}

	// Index-addressed slice keeps results in planned order.
	invocations := make([]model.ToolInvocation, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, action := range actions {
		i, action := i, action
		g.Go(func() error {
			target := action.Target
			if target == "" {
				target = view.Target
			}
			invocations[i] = s.runner.Invoke(gctx, action.Tool, target, action.Params, s.toolTimeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return model.StageResult{}, stage.Transient(model.StageExecutor, err)
	}

	// A tool proposed more than once (with different params) gets an
	// occurrence suffix so findings entries never overwrite each other.
	toolRuns := make(map[string]int)
	for _, inv := range invocations {
		toolRuns[inv.Tool]++
	}
	occurrence := make(map[string]int)

	usable := 0
	findings := make(map[string]any)
	for _, inv := range invocations {
		key := inv.Tool
		if toolRuns[inv.Tool] > 1 {
			occurrence[inv.Tool]++
			key = fmt.Sprintf("%s#%d", inv.Tool, occurrence[inv.Tool])
		}
		if inv.Status.Usable() {
			usable++
			if s.parser != nil {
				if parsed := s.parser.ParseFindings(inv.Tool, inv.Output); parsed != nil {
					findings[key] = parsed
					continue
				}
			}
			findings[key] = map[string]any{"status": string(inv.Status)}
		} else {
			findings[key] = map[string]any{
				"status": string(inv.Status),
				"error":  inv.Error,
			}
		}
	}
	findings["tools_run"] = len(invocations)
	findings["tools_succeeded"] = usable

	res := model.StageResult{
		Stage:       model.StageExecutor,
		Iteration:   view.Iteration,
		Summary:     fmt.Sprintf("%d/%d diagnostic actions produced output", usable, len(invocations)),
		Findings:    findings,
		Invocations: invocations,
		StartedAt:   startedAt,
		Duration:    time.Since(startedAt),
	}

	if usable == 0 {
		return res, ErrNoUsableOutput
	}
	return res, nil
}

// RemainingActions returns the latest planner's actions minus any action
// already executed in this case. Duplicate suppression is derived from
// the immutable result log, so the orchestrator and executor always agree
// on the remainder.
func RemainingActions(view model.CaseView) []model.PlanAction {
	var planned []model.PlanAction
	for i := len(view.Results) - 1; i >= 0; i-- {
		if view.Results[i].Stage == model.StagePlanner {
			planned = view.Results[i].Actions
			break
		}
	}
	if len(planned) == 0 {
		return nil
	}

	executed := view.ExecutedActions()
	var remaining []model.PlanAction
	seen := make(map[string]bool)
	for _, action := range planned {
		normalized := action
		if normalized.Target == "" {
			normalized.Target = view.Target
		}
		key := normalized.Key()
		if executed[key] || seen[key] {
			continue
		}
		seen[key] = true
		remaining = append(remaining, action)
	}
	return remaining
}
