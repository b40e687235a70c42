// Package orchestrator drives the diagnostic pipeline: it owns the case
// state machine, sequences the stages, applies retry and timeout policy,
// and decides between loop-back and termination. It is the single writer
// of case state; stages only ever see read-only views.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/netdiag/internal/config"
	"github.com/metalagman/netdiag/internal/db"
	"github.com/metalagman/netdiag/internal/logging"
	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/modelapi"
	"github.com/metalagman/netdiag/internal/stage"
	"github.com/metalagman/netdiag/internal/tool"
)

// ErrPlannerExhausted indicates the planner produced no action that has
// not already been executed in this case.
var ErrPlannerExhausted = errors.New("planner exhausted")

// Stages bundles the five pipeline stages. All are injectable so tests
// swap in fakes without orchestrator changes.
type Stages struct {
	Analyzer  stage.Stage
	Planner   stage.Stage
	Executor  stage.Stage
	Validator stage.Stage
	Reporter  stage.Stage
}

// Orchestrator runs one case at a time per Run call. Instances hold no
// per-case state, so a single orchestrator may serve concurrent cases.
type Orchestrator struct {
	stages  Stages
	budgets config.Budgets
	store   *db.Store
}

// Option configures an orchestrator.
type Option func(*Orchestrator)

// WithStore enables case persistence.
func WithStore(store *db.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// New constructs an orchestrator from explicit stages.
func New(stages Stages, budgets config.Budgets, opts ...Option) *Orchestrator {
	o := &Orchestrator{stages: stages, budgets: budgets}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewPipeline wires the standard five-stage pipeline over a model client
// and a tool runner.
func NewPipeline(client modelapi.Client, tools tool.Runner, parser FindingsParser, budgets config.Budgets, opts ...Option) *Orchestrator {
	return New(Stages{
		Analyzer:  stage.NewModelStage(model.StageAnalyzer, client, nil),
		Planner:   stage.NewModelStage(model.StagePlanner, client, tools.Names()),
		Executor:  NewExecutor(tools, parser, budgets.ToolFanout, budgets.ToolTimeout),
		Validator: stage.NewModelStage(model.StageValidator, client, nil),
		Reporter:  stage.NewModelStage(model.StageReporter, client, nil),
	}, budgets, opts...)
}

// Run drives a new case from intake to a terminal status. The returned
// case is always non-nil and, once returned, final.
func (o *Orchestrator) Run(ctx context.Context, issue, target string) (*model.Case, error) {
	c := model.NewCase(issue, target)
	logger := logging.Case(c.ID)
	startedAt := time.Now()

	logger.Info().Str("issue", issue).Str("target", target).Msg("case started")
	defer func() {
		logger.Info().
			Str("status", string(c.Status)).
			Int("iterations", c.Iteration).
			Dur("duration", time.Since(startedAt)).
			Msg("case finished")
	}()

	if o.store != nil {
		if err := o.store.CreateCase(ctx, c); err != nil {
			logger.Warn().Err(err).Msg("case persistence disabled for this run")
		}
	}

	// 1. Analyze — exactly once per case, never repeated on loop-back.
	if err := o.transition(c, model.StatusAnalyzing, logger); err != nil {
		return o.fail(c, "internal transition error", err, logger)
	}
	analysis, err := o.runStage(ctx, o.stages.Analyzer, c.View(), logger)
	if err != nil {
		return o.stageFailure(ctx, c, "analyzer failed", err, logger)
	}
	o.commit(ctx, c, analysis, logger)

	for {
		// 2. Plan
		if err := o.transition(c, model.StatusPlanning, logger); err != nil {
			return o.fail(c, "internal transition error", err, logger)
		}
		plan, err := o.runStage(ctx, o.stages.Planner, c.View(), logger)
		if err != nil {
			return o.stageFailure(ctx, c, "planner failed", err, logger)
		}
		o.commit(ctx, c, plan, logger)

		remaining := RemainingActions(c.View())
		if dropped := len(plan.Actions) - len(remaining); dropped > 0 {
			logger.Info().Int("dropped", dropped).Msg("duplicate planned actions suppressed")
		}
		if len(remaining) == 0 {
			return o.fail(c, "planner exhausted", ErrPlannerExhausted, logger)
		}

		// 3. Execute — tool failures are recorded, never retried at the
		// stage level. The stage timeout backstops the whole fan-out, not
		// just each invocation.
		if err := o.transition(c, model.StatusExecuting, logger); err != nil {
			return o.fail(c, "internal transition error", err, logger)
		}
		execCtx, cancelExec := context.WithTimeout(ctx, o.budgets.StageTimeout)
		execution, err := o.stages.Executor.Run(execCtx, c.View(), stage.Options{})
		cancelExec()
		if errors.Is(err, ErrNoUsableOutput) {
			o.commit(ctx, c, execution, logger)
			return o.fail(c, "executor produced no usable output", err, logger)
		}
		if err != nil {
			return o.stageFailure(ctx, c, "executor failed", err, logger)
		}
		o.commit(ctx, c, execution, logger)

		// 4. Validate
		if err := o.transition(c, model.StatusValidating, logger); err != nil {
			return o.fail(c, "internal transition error", err, logger)
		}
		verdict, err := o.runStage(ctx, o.stages.Validator, c.View(), logger)
		if err != nil {
			return o.stageFailure(ctx, c, "validator failed", err, logger)
		}
		o.commit(ctx, c, verdict, logger)

		if verdict.Verdict == model.VerdictResolved {
			break
		}
		if c.Iteration >= o.budgets.MaxIterations {
			c.BestEffort = true
			logger.Warn().Int("max_iterations", o.budgets.MaxIterations).
				Msg("iteration budget exhausted, forcing best-effort report")
			break
		}
		c.Iteration++
		logger.Info().Str("verdict", string(verdict.Verdict)).Int("iteration", c.Iteration).
			Msg("case unresolved, re-planning")
	}

	// 5. Report — degrades to a synthesized report rather than failing.
	if err := o.transition(c, model.StatusReporting, logger); err != nil {
		return o.fail(c, "internal transition error", err, logger)
	}
	report, err := o.runStage(ctx, o.stages.Reporter, c.View(), logger)
	if err != nil {
		if ctx.Err() != nil {
			return o.abort(c, ctx.Err(), logger)
		}
		logger.Warn().Err(err).Msg("reporter backend failed, synthesizing report from stage log")
		report = fallbackReporterResult(c)
	}
	o.commit(ctx, c, report, logger)
	c.Report = buildReport(c, report)

	if err := o.transition(c, model.StatusResolved, logger); err != nil {
		return o.fail(c, "internal transition error", err, logger)
	}
	o.finalize(c, logger)
	return c, nil
}

// stageFailure maps a stage error to the right terminal state:
// cancellation aborts, anything else fails the case.
func (o *Orchestrator) stageFailure(ctx context.Context, c *model.Case, reason string, err error, logger zerolog.Logger) (*model.Case, error) {
	if ctx.Err() != nil {
		return o.abort(c, ctx.Err(), logger)
	}
	return o.fail(c, reason, err, logger)
}

func (o *Orchestrator) fail(c *model.Case, reason string, err error, logger zerolog.Logger) (*model.Case, error) {
	logger.Error().Err(err).Str("reason", reason).Msg("case failed")
	c.FailReason = reason
	c.Status = model.StatusFailed
	if len(c.Results) > 0 {
		c.Report = buildReport(c, fallbackReporterResult(c))
	}
	o.finalize(c, logger)
	return c, fmt.Errorf("%s: %w", reason, err)
}

func (o *Orchestrator) abort(c *model.Case, cause error, logger zerolog.Logger) (*model.Case, error) {
	logger.Warn().Err(cause).Msg("case aborted")
	c.Status = model.StatusAborted
	if len(c.Results) > 0 {
		c.Report = buildReport(c, fallbackReporterResult(c))
	}
	o.finalize(c, logger)
	return c, fmt.Errorf("case aborted: %w", cause)
}

// transition moves the case to the next status, enforcing the forward-only
// state machine. A blocked transition is a bug in the orchestrator itself.
func (o *Orchestrator) transition(c *model.Case, to model.CaseStatus, logger zerolog.Logger) error {
	if !model.CanTransition(c.Status, to) {
		return fmt.Errorf("illegal case transition %s -> %s", c.Status, to)
	}
	logger.Debug().Str("from", string(c.Status)).Str("to", string(to)).Msg("case transition")
	c.Status = to
	return nil
}

// commit appends a stage result to the case log and persists it. The
// append is the single mutation point for stage output; persistence
// failures degrade to logging, they never fail a diagnosis.
func (o *Orchestrator) commit(ctx context.Context, c *model.Case, res model.StageResult, logger zerolog.Logger) {
	c.Append(res)
	committed := c.Results[len(c.Results)-1]
	logger.Info().
		Str("stage", string(committed.Stage)).
		Int("seq", committed.Seq).
		Int("iteration", committed.Iteration).
		Dur("duration", committed.Duration).
		Msg("stage completed")
	if o.store != nil {
		if err := o.store.CommitStageResult(ctx, c, committed); err != nil {
			logger.Warn().Err(err).Msg("failed to persist stage result")
		}
	}
}

// finalize records the terminal state. The run context may already be
// canceled, so persistence gets its own short deadline.
func (o *Orchestrator) finalize(c *model.Case, logger zerolog.Logger) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FinalizeCase(ctx, c); err != nil {
		logger.Warn().Err(err).Msg("failed to persist terminal case state")
	}
}

// fallbackReporterResult synthesizes a reporter result from the stage log
// when the reporter backend is unavailable or the case ends early.
func fallbackReporterResult(c *model.Case) model.StageResult {
	findings := map[string]any{
		"stages_completed": len(c.Results),
		"iterations":       c.Iteration,
	}
	summary := fmt.Sprintf("diagnosis of %q against %s ended with %d stage results", c.Issue, c.Target, len(c.Results))
	if validation, ok := c.View().LastValidation(); ok {
		findings["last_verdict"] = string(validation.Verdict)
		if cause, ok := validation.Findings["cause"]; ok {
			findings["root_cause"] = cause
		}
	}
	return model.StageResult{
		Stage:     model.StageReporter,
		Iteration: c.Iteration,
		Summary:   summary,
		Findings:  findings,
		StartedAt: time.Now().UTC(),
	}
}

// buildReport folds the reporter result and the case log into the final
// report. Tool output stays in the log; the report references it by
// invocation id.
func buildReport(c *model.Case, reporter model.StageResult) *model.Report {
	report := &model.Report{
		Summary:     reporter.Summary,
		BestEffort:  c.BestEffort,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if cause, ok := reporter.Findings["root_cause"].(string); ok {
		report.RootCause = cause
	}
	switch recs := reporter.Findings["recommendations"].(type) {
	case []string:
		report.Recommendations = recs
	case []any:
		for _, rec := range recs {
			if s, ok := rec.(string); ok {
				report.Recommendations = append(report.Recommendations, s)
			}
		}
	}
	for _, res := range c.Results {
		if res.Stage == model.StageValidator && res.Verdict == model.VerdictResolved {
			report.Resolved = true
		}
		for _, inv := range res.Invocations {
			report.InvocationIDs = append(report.InvocationIDs, inv.ID)
		}
	}
	if report.RootCause == "" {
		if validation, ok := c.View().LastValidation(); ok {
			if cause, ok := validation.Findings["cause"].(string); ok {
				report.RootCause = cause
			}
		}
	}
	return report
}
