package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/netdiag/internal/config"
	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/stage"
)

// scriptedStage replays a fixed sequence of outcomes; the last entry
// repeats once the script is exhausted.
type scriptedStage struct {
	kind   model.StageKind
	script []func(view model.CaseView, opts stage.Options) (model.StageResult, error)

	mu    sync.Mutex
	calls int
}

func (s *scriptedStage) Kind() model.StageKind { return s.kind }

func (s *scriptedStage) Run(_ context.Context, view model.CaseView, opts stage.Options) (model.StageResult, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx](view, opts)
}

func (s *scriptedStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func analyzerOK() *scriptedStage {
	return &scriptedStage{kind: model.StageAnalyzer, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			return model.StageResult{
				Stage:    model.StageAnalyzer,
				Summary:  "elevated latency on path",
				Findings: map[string]any{"severity": "degraded"},
			}, nil
		},
	}}
}

func plannerReturning(plans ...[]model.PlanAction) *scriptedStage {
	s := &scriptedStage{kind: model.StagePlanner}
	for _, plan := range plans {
		plan := plan
		s.script = append(s.script, func(model.CaseView, stage.Options) (model.StageResult, error) {
			return model.StageResult{
				Stage:    model.StagePlanner,
				Summary:  "diagnostic plan",
				Findings: map[string]any{"action_count": len(plan)},
				Actions:  plan,
			}, nil
		})
	}
	return s
}

func validatorVerdicts(verdicts ...model.Verdict) *scriptedStage {
	s := &scriptedStage{kind: model.StageValidator}
	for _, v := range verdicts {
		v := v
		s.script = append(s.script, func(model.CaseView, stage.Options) (model.StageResult, error) {
			res := model.StageResult{
				Stage:    model.StageValidator,
				Findings: map[string]any{"verdict": string(v)},
				Verdict:  v,
			}
			if v == model.VerdictResolved {
				res.Summary = "ISP routing issue"
				res.Findings["cause"] = "ISP routing issue"
			}
			return res, nil
		})
	}
	return s
}

func reporterOK() *scriptedStage {
	return &scriptedStage{kind: model.StageReporter, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			return model.StageResult{
				Stage:   model.StageReporter,
				Summary: "latency traced to upstream provider",
				Findings: map[string]any{
					"summary":         "latency traced to upstream provider",
					"root_cause":      "ISP routing issue",
					"recommendations": []string{"contact the ISP", "monitor the path for 24h"},
				},
			}, nil
		},
	}}
}

// fakeRunner is a deterministic in-memory tool.Runner.
type fakeRunner struct {
	mu       sync.Mutex
	seq      int
	calls    []string
	delays   map[string]time.Duration
	statuses map[string]model.InvocationStatus
}

func (r *fakeRunner) Names() []string { return []string{"dns", "ping", "traceroute"} }

func (r *fakeRunner) Invoke(ctx context.Context, name, target string, params map[string]string, _ time.Duration) model.ToolInvocation {
	if d := r.delays[name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("inv-%d", r.seq)
	r.calls = append(r.calls, name)
	r.mu.Unlock()

	inv := model.ToolInvocation{
		ID:        id,
		Tool:      name,
		Target:    target,
		Params:    params,
		Status:    model.InvocationOK,
		Output:    name + " output for " + target,
		StartedAt: time.Now().UTC(),
	}
	if status, ok := r.statuses[name]; ok {
		inv.Status = status
		inv.Output = ""
		inv.Error = string(status)
		inv.ExitCode = -1
	}
	return inv
}

func (r *fakeRunner) invoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func testBudgets() config.Budgets {
	return config.Budgets{
		MaxIterations: 3,
		StageTimeout:  5 * time.Second,
		ToolTimeout:   time.Second,
		ToolFanout:    4,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
	}
}

func action(tool string) model.PlanAction { return model.PlanAction{Tool: tool} }

func newTestOrchestrator(planner, validator *scriptedStage, runner *fakeRunner) *Orchestrator {
	budgets := testBudgets()
	return New(Stages{
		Analyzer:  analyzerOK(),
		Planner:   planner,
		Executor:  NewExecutor(runner, nil, budgets.ToolFanout, budgets.ToolTimeout),
		Validator: validator,
		Reporter:  reporterOK(),
	}, budgets)
}

func TestRun_HappyPathResolvesInOneIteration(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	planner := plannerReturning([]model.PlanAction{action("traceroute"), action("ping"), action("dns")})
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictResolved), runner)

	c, err := o.Run(context.Background(), "high latency to 8.8.8.8", "8.8.8.8")
	require.NoError(t, err)

	assert.Equal(t, model.StatusResolved, c.Status)
	assert.Equal(t, 1, c.Iteration)
	assert.False(t, c.BestEffort)

	stages := make([]model.StageKind, 0, len(c.Results))
	for _, res := range c.Results {
		stages = append(stages, res.Stage)
	}
	assert.Equal(t, []model.StageKind{
		model.StageAnalyzer, model.StagePlanner, model.StageExecutor,
		model.StageValidator, model.StageReporter,
	}, stages)

	require.NotNil(t, c.Report)
	assert.True(t, c.Report.Resolved)
	assert.Equal(t, "ISP routing issue", c.Report.RootCause)
	assert.Equal(t, []string{"contact the ISP", "monitor the path for 24h"}, c.Report.Recommendations)
	assert.Len(t, c.Report.InvocationIDs, 3)
	assert.ElementsMatch(t, []string{"traceroute", "ping", "dns"}, runner.invoked())

	exec := c.Results[2]
	tools := make([]string, 0, len(exec.Invocations))
	for _, inv := range exec.Invocations {
		tools = append(tools, inv.Tool)
	}
	assert.Equal(t, []string{"traceroute", "ping", "dns"}, tools,
		"invocations are recorded in planned order")
}

func TestRun_SeqIsMonotonic(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	planner := plannerReturning(
		[]model.PlanAction{action("ping")},
		[]model.PlanAction{action("traceroute")},
	)
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictNeedsMoreData, model.VerdictResolved), runner)

	c, err := o.Run(context.Background(), "intermittent loss", "10.0.0.1")
	require.NoError(t, err)

	for i, res := range c.Results {
		assert.Equal(t, i+1, res.Seq)
	}
}

func TestRun_LoopBackSuppressesDuplicateActions(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	// Second plan repeats ping; only dns is actually new.
	planner := plannerReturning(
		[]model.PlanAction{action("ping"), action("traceroute")},
		[]model.PlanAction{action("ping"), action("dns")},
	)
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictNeedsMoreData, model.VerdictResolved), runner)

	c, err := o.Run(context.Background(), "intermittent loss", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusResolved, c.Status)
	assert.Equal(t, 2, c.Iteration)
	assert.ElementsMatch(t, []string{"ping", "traceroute", "dns"}, runner.invoked(),
		"a repeated action must never be executed twice")
	assert.Len(t, c.Report.InvocationIDs, 3)
}

func TestRun_PlannerExhaustedFailsCase(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	// Second plan contains nothing that has not already run.
	planner := plannerReturning(
		[]model.PlanAction{action("ping")},
		[]model.PlanAction{action("ping")},
	)
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictNeedsMoreData), runner)

	c, err := o.Run(context.Background(), "intermittent loss", "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlannerExhausted)

	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Equal(t, "planner exhausted", c.FailReason)
	assert.Equal(t, []string{"ping"}, runner.invoked())
	require.NotNil(t, c.Report, "a failed case with results still gets a best-effort report")
	assert.False(t, c.Report.Resolved)
}

func TestRun_MaxIterationsForcesBestEffortReport(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	planner := plannerReturning(
		[]model.PlanAction{action("ping")},
		[]model.PlanAction{action("traceroute")},
		[]model.PlanAction{action("dns")},
	)
	validator := validatorVerdicts(model.VerdictNeedsMoreData)
	o := newTestOrchestrator(planner, validator, runner)

	c, err := o.Run(context.Background(), "intermittent loss", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusResolved, c.Status)
	assert.True(t, c.BestEffort)
	assert.Equal(t, 3, c.Iteration, "the loop must stop at the iteration budget")
	assert.Equal(t, 3, planner.callCount())
	assert.Equal(t, 3, validator.callCount())
	require.NotNil(t, c.Report)
	assert.True(t, c.Report.BestEffort)
	assert.False(t, c.Report.Resolved)
}

func TestRun_UnsupportedToolDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{statuses: map[string]model.InvocationStatus{"nmap": model.InvocationUnsupported}}
	planner := plannerReturning([]model.PlanAction{action("nmap"), action("ping")})
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictResolved), runner)

	c, err := o.Run(context.Background(), "port unreachable", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusResolved, c.Status)
	exec := c.Results[2]
	require.Equal(t, model.StageExecutor, exec.Stage)
	require.Len(t, exec.Invocations, 2)
	assert.Equal(t, model.InvocationUnsupported, exec.Invocations[0].Status)
	assert.Equal(t, model.InvocationOK, exec.Invocations[1].Status)
	assert.Equal(t, 1, exec.Findings["tools_succeeded"])
}

func TestRun_NoUsableOutputFailsCase(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{statuses: map[string]model.InvocationStatus{"ping": model.InvocationError}}
	planner := plannerReturning([]model.PlanAction{action("ping")})
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictResolved), runner)

	c, err := o.Run(context.Background(), "host down", "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUsableOutput)

	assert.Equal(t, model.StatusFailed, c.Status)
	exec := c.Results[len(c.Results)-1]
	require.Equal(t, model.StageExecutor, exec.Stage)
	assert.Len(t, exec.Invocations, 1, "failed invocations stay in the case log")
}

func TestRun_ExecutorResultsKeepPlannedOrder(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{delays: map[string]time.Duration{
		"traceroute": 50 * time.Millisecond,
		"ping":       time.Millisecond,
		"dns":        20 * time.Millisecond,
	}}
	planner := plannerReturning([]model.PlanAction{action("traceroute"), action("ping"), action("dns")})
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictResolved), runner)

	c, err := o.Run(context.Background(), "high latency", "8.8.8.8")
	require.NoError(t, err)

	exec := c.Results[2]
	require.Equal(t, model.StageExecutor, exec.Stage)
	tools := make([]string, 0, len(exec.Invocations))
	for _, inv := range exec.Invocations {
		tools = append(tools, inv.Tool)
	}
	assert.Equal(t, []string{"traceroute", "ping", "dns"}, tools,
		"recorded order follows the plan, not completion order")
}

func TestRun_ExecutorBoundedByStageTimeout(t *testing.T) {
	t.Parallel()

	// Four slow invocations through a fanout of 1 would run 400ms; the
	// 50ms stage timeout must cut the whole fan-out short.
	runner := &fakeRunner{delays: map[string]time.Duration{
		"ping":       100 * time.Millisecond,
		"traceroute": 100 * time.Millisecond,
		"dns":        100 * time.Millisecond,
		"capture":    100 * time.Millisecond,
	}}
	budgets := testBudgets()
	budgets.StageTimeout = 50 * time.Millisecond
	budgets.ToolFanout = 1
	planner := plannerReturning([]model.PlanAction{
		action("ping"), action("traceroute"), action("dns"), action("capture"),
	})
	o := New(Stages{
		Analyzer:  analyzerOK(),
		Planner:   planner,
		Executor:  NewExecutor(runner, nil, budgets.ToolFanout, budgets.ToolTimeout),
		Validator: validatorVerdicts(model.VerdictResolved),
		Reporter:  reporterOK(),
	}, budgets)

	start := time.Now()
	c, err := o.Run(context.Background(), "high latency", "8.8.8.8")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Less(t, elapsed, 300*time.Millisecond,
		"the stage timeout bounds executor wall-clock, not just each invocation")
}

func TestCommit_LogsAssignedSeq(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	o := New(Stages{}, testBudgets())

	c := model.NewCase("high latency", "8.8.8.8")
	o.commit(context.Background(), c, model.StageResult{Stage: model.StageAnalyzer, Iteration: 1}, logger)
	o.commit(context.Background(), c, model.StageResult{Stage: model.StagePlanner, Iteration: 1}, logger)

	assert.Contains(t, buf.String(), `"seq":1`)
	assert.Contains(t, buf.String(), `"seq":2`)
	assert.NotContains(t, buf.String(), `"seq":0`)
}

func TestRun_FatalStageErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	analyzer := &scriptedStage{kind: model.StageAnalyzer, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			return model.StageResult{}, stage.Fatal(model.StageAnalyzer, errors.New("no API key configured"))
		},
	}}
	o := New(Stages{
		Analyzer:  analyzer,
		Planner:   plannerReturning([]model.PlanAction{action("ping")}),
		Executor:  NewExecutor(&fakeRunner{}, nil, 1, time.Second),
		Validator: validatorVerdicts(model.VerdictResolved),
		Reporter:  reporterOK(),
	}, testBudgets())

	c, err := o.Run(context.Background(), "high latency", "8.8.8.8")
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, c.Status)
	assert.Equal(t, 1, analyzer.callCount(), "fatal errors must not be retried")
	assert.Nil(t, c.Report, "no results means nothing to report on")
}

func TestRun_TransientStageErrorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	analyzer := &scriptedStage{kind: model.StageAnalyzer, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			calls++
			if calls == 1 {
				return model.StageResult{}, stage.Transient(model.StageAnalyzer, errors.New("connection reset"))
			}
			return model.StageResult{Stage: model.StageAnalyzer, Summary: "ok", Findings: map[string]any{"status": "normal"}}, nil
		},
	}}
	o := New(Stages{
		Analyzer:  analyzer,
		Planner:   plannerReturning([]model.PlanAction{action("ping")}),
		Executor:  NewExecutor(&fakeRunner{}, nil, 1, time.Second),
		Validator: validatorVerdicts(model.VerdictResolved),
		Reporter:  reporterOK(),
	}, testBudgets())

	c, err := o.Run(context.Background(), "high latency", "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, c.Status)
	assert.Equal(t, 2, calls)
}

func TestRun_MalformedResponseRetriesWithReducedContext(t *testing.T) {
	t.Parallel()

	var secondCallOpts stage.Options
	planner := &scriptedStage{kind: model.StagePlanner, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			return model.StageResult{}, stage.Malformed(model.StagePlanner, errors.New("response schema violation"))
		},
		func(_ model.CaseView, opts stage.Options) (model.StageResult, error) {
			secondCallOpts = opts
			return model.StageResult{
				Stage:    model.StagePlanner,
				Findings: map[string]any{"action_count": 1},
				Actions:  []model.PlanAction{action("ping")},
			}, nil
		},
	}}
	o := newTestOrchestrator(planner, validatorVerdicts(model.VerdictResolved), &fakeRunner{})

	c, err := o.Run(context.Background(), "high latency", "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, c.Status)
	assert.True(t, secondCallOpts.ReducedContext, "malformed retry must shrink the prompt")
}

func TestRun_CancellationAbortsAndRetainsResults(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	validator := &scriptedStage{kind: model.StageValidator, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			cancel()
			return model.StageResult{}, stage.Transient(model.StageValidator, context.Canceled)
		},
	}}
	planner := plannerReturning([]model.PlanAction{action("ping")})
	o := newTestOrchestrator(planner, validator, &fakeRunner{})

	c, err := o.Run(ctx, "high latency", "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")

	assert.Equal(t, model.StatusAborted, c.Status)
	assert.GreaterOrEqual(t, len(c.Results), 3, "results before cancellation are retained")
	require.NotNil(t, c.Report)
}

func TestRun_ReporterFailureSynthesizesReport(t *testing.T) {
	t.Parallel()

	reporter := &scriptedStage{kind: model.StageReporter, script: []func(model.CaseView, stage.Options) (model.StageResult, error){
		func(model.CaseView, stage.Options) (model.StageResult, error) {
			return model.StageResult{}, stage.Transient(model.StageReporter, errors.New("backend unavailable"))
		},
	}}
	budgets := testBudgets()
	runner := &fakeRunner{}
	o := New(Stages{
		Analyzer:  analyzerOK(),
		Planner:   plannerReturning([]model.PlanAction{action("ping")}),
		Executor:  NewExecutor(runner, nil, budgets.ToolFanout, budgets.ToolTimeout),
		Validator: validatorVerdicts(model.VerdictResolved),
		Reporter:  reporter,
	}, budgets)

	c, err := o.Run(context.Background(), "high latency", "8.8.8.8")
	require.NoError(t, err, "a reporter backend failure must not fail the case")

	assert.Equal(t, model.StatusResolved, c.Status)
	require.NotNil(t, c.Report)
	assert.True(t, c.Report.Resolved)
	assert.Equal(t, "ISP routing issue", c.Report.RootCause, "root cause falls back to the validator's finding")
	assert.Contains(t, c.Report.Summary, "stage results")
}
