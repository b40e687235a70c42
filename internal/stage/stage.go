// Package stage defines the pipeline stage contract and the model-backed
// stage implementations. A stage receives an immutable case view and
// returns a new stage result; all case mutation happens in the
// orchestrator.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/modelapi"
)

// Options tunes a single stage run.
type Options struct {
	// ReducedContext strips raw tool output and prior iterations from the
	// prompt input. Used when retrying after a malformed response.
	ReducedContext bool
}

// Stage runs one pipeline phase against a read-only case view.
type Stage interface {
	Kind() model.StageKind
	Run(ctx context.Context, view model.CaseView, opts Options) (model.StageResult, error)
}

const maxToolOutputChars = 4000

// modelStage is a reasoning stage backed by a ModelClient.
type modelStage struct {
	kind   model.StageKind
	client modelapi.Client
	tools  []string
}

// NewModelStage constructs a model-backed stage. tools lists the tool
// names the planner may propose; other stages ignore it.
func NewModelStage(kind model.StageKind, client modelapi.Client, tools []string) Stage {
	return &modelStage{kind: kind, client: client, tools: tools}
}

func (s *modelStage) Kind() model.StageKind { return s.kind }

func (s *modelStage) Run(ctx context.Context, view model.CaseView, opts Options) (model.StageResult, error) {
	startedAt := time.Now().UTC()

	input, err := json.Marshal(buildInput(s.kind, view, s.tools, opts))
	if err != nil {
		return model.StageResult{}, Fatal(s.kind, fmt.Errorf("marshal stage input: %w", err))
	}

	resp, err := s.client.Complete(ctx, modelapi.Request{
		Stage:        string(s.kind),
		Instructions: instructions(s.kind),
		Input:        string(input),
		OutputSchema: OutputSchema(s.kind),
	})
	if err != nil {
		return model.StageResult{}, classifyBackendErr(s.kind, err)
	}

	raw := []byte(resp.OutputText)
	res, err := MapResponse(s.kind, raw)
	if err != nil {
		if extracted, ok := ExtractJSON(raw); ok {
			res, err = MapResponse(s.kind, extracted)
		}
	}
	if err != nil {
		return model.StageResult{}, err
	}

	res.Iteration = view.Iteration
	res.StartedAt = startedAt
	res.Duration = time.Since(startedAt)
	return res, nil
}

type caseInput struct {
	Case    caseInfo      `json:"case"`
	Tools   []string      `json:"tools,omitempty"`
	Results []resultInput `json:"results"`
}

type caseInfo struct {
	ID        string `json:"id"`
	Issue     string `json:"issue"`
	Target    string `json:"target"`
	Iteration int    `json:"iteration"`
}

type resultInput struct {
	Stage       string             `json:"stage"`
	Iteration   int                `json:"iteration"`
	Summary     string             `json:"summary,omitempty"`
	Findings    map[string]any     `json:"findings,omitempty"`
	Verdict     string             `json:"verdict,omitempty"`
	Actions     []model.PlanAction `json:"actions,omitempty"`
	Invocations []invocationInput  `json:"invocations,omitempty"`
}

type invocationInput struct {
	Tool   string `json:"tool"`
	Target string `json:"target"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func buildInput(kind model.StageKind, view model.CaseView, tools []string, opts Options) caseInput {
	in := caseInput{
		Case: caseInfo{
			ID:        view.ID,
			Issue:     view.Issue,
			Target:    view.Target,
			Iteration: view.Iteration,
		},
	}
	if kind == model.StagePlanner {
		in.Tools = tools
	}

	for _, res := range view.Results {
		if opts.ReducedContext && res.Iteration < view.Iteration {
			continue
		}
		ri := resultInput{
			Stage:     string(res.Stage),
			Iteration: res.Iteration,
			Summary:   res.Summary,
			Findings:  res.Findings,
			Verdict:   string(res.Verdict),
			Actions:   res.Actions,
		}
		for _, inv := range res.Invocations {
			out := inv.Output
			if opts.ReducedContext {
				out = ""
			} else if len(out) > maxToolOutputChars {
				out = out[:maxToolOutputChars]
			}
			ri.Invocations = append(ri.Invocations, invocationInput{
				Tool:   inv.Tool,
				Target: inv.Target,
				Status: string(inv.Status),
				Output: out,
				Error:  inv.Error,
			})
		}
		in.Results = append(in.Results, ri)
	}
	return in
}

// MapResponse validates a raw backend response against the stage schema
// and converts it into a stage result. Any schema violation yields a
// malformed-response error.
func MapResponse(kind model.StageKind, raw []byte) (model.StageResult, error) {
	schema := OutputSchema(kind)
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return model.StageResult{}, Malformed(kind, fmt.Errorf("validate response: %w", err))
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, schemaErr := range result.Errors() {
			errs = append(errs, schemaErr.String())
		}
		sort.Strings(errs)
		return model.StageResult{}, Malformed(kind, fmt.Errorf("response schema violation: %s", strings.Join(errs, "; ")))
	}

	switch kind {
	case model.StageAnalyzer:
		var out model.AnalyzerOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return model.StageResult{}, Malformed(kind, err)
		}
		findings := out.Findings
		if len(findings) == 0 {
			findings = map[string]any{"summary": out.Summary}
		}
		if out.Severity != "" {
			findings["severity"] = out.Severity
		}
		return model.StageResult{Stage: kind, Summary: out.Summary, Findings: findings}, nil

	case model.StagePlanner:
		var out model.PlannerOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return model.StageResult{}, Malformed(kind, err)
		}
		return model.StageResult{
			Stage:   kind,
			Summary: out.Strategy,
			Findings: map[string]any{
				"strategy":     out.Strategy,
				"action_count": len(out.Actions),
			},
			Actions: out.Actions,
		}, nil

	case model.StageValidator:
		var out model.ValidatorOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return model.StageResult{}, Malformed(kind, err)
		}
		findings := out.Findings
		if findings == nil {
			findings = make(map[string]any)
		}
		findings["verdict"] = string(out.Verdict)
		if out.Cause != "" {
			findings["cause"] = out.Cause
		}
		if out.Confidence > 0 {
			findings["confidence"] = out.Confidence
		}
		return model.StageResult{Stage: kind, Summary: out.Cause, Findings: findings, Verdict: out.Verdict}, nil

	case model.StageReporter:
		var out model.ReporterOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return model.StageResult{}, Malformed(kind, err)
		}
		findings := map[string]any{"summary": out.Summary}
		if out.RootCause != "" {
			findings["root_cause"] = out.RootCause
		}
		if len(out.Recommendations) > 0 {
			findings["recommendations"] = out.Recommendations
		}
		return model.StageResult{Stage: kind, Summary: out.Summary, Findings: findings}, nil
	}

	return model.StageResult{}, Fatal(kind, fmt.Errorf("no response mapping for stage %q", kind))
}

// ExtractJSON returns the first balanced top-level JSON object in raw.
// Backends occasionally wrap their payload in prose or markdown fences.
func ExtractJSON(raw []byte) ([]byte, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, c := range raw {
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return raw[start : i+1], true
				}
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return nil, false
}
