// Package model defines the shared data model for diagnostic cases.
package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StageKind identifies one pipeline stage.
type StageKind string

// Pipeline stages, in execution order.
const (
	StageAnalyzer  StageKind = "analyzer"
	StagePlanner   StageKind = "planner"
	StageExecutor  StageKind = "executor"
	StageValidator StageKind = "validator"
	StageReporter  StageKind = "reporter"
)

// CaseStatus is the state of a case in the orchestrator state machine.
type CaseStatus string

// Case states. Resolved, Failed and Aborted are terminal.
const (
	StatusCreated    CaseStatus = "created"
	StatusAnalyzing  CaseStatus = "analyzing"
	StatusPlanning   CaseStatus = "planning"
	StatusExecuting  CaseStatus = "executing"
	StatusValidating CaseStatus = "validating"
	StatusReporting  CaseStatus = "reporting"
	StatusResolved   CaseStatus = "resolved"
	StatusFailed     CaseStatus = "failed"
	StatusAborted    CaseStatus = "aborted"
)

// Terminal reports whether the status permits no further transitions.
func (s CaseStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusFailed, StatusAborted:
		return true
	}
	return false
}

var transitions = map[CaseStatus][]CaseStatus{
	StatusCreated:    {StatusAnalyzing, StatusAborted},
	StatusAnalyzing:  {StatusPlanning, StatusFailed, StatusAborted},
	StatusPlanning:   {StatusExecuting, StatusFailed, StatusAborted},
	StatusExecuting:  {StatusValidating, StatusFailed, StatusAborted},
	StatusValidating: {StatusReporting, StatusPlanning, StatusFailed, StatusAborted},
	StatusReporting:  {StatusResolved, StatusAborted},
}

// CanTransition reports whether the state machine allows moving from one
// status to another. Terminal states allow nothing.
func CanTransition(from, to CaseStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Verdict is the validator's judgment over the accumulated findings.
type Verdict string

// Validator verdicts.
const (
	VerdictResolved      Verdict = "resolved"
	VerdictUnresolved    Verdict = "unresolved"
	VerdictNeedsMoreData Verdict = "needs_more_data"
)

// Case is one troubleshooting session from intake to final report.
// It is owned exclusively by its orchestrator; once a terminal status is
// reached it is never mutated again.
type Case struct {
	ID         string        `json:"id"`
	Issue      string        `json:"issue"`
	Target     string        `json:"target"`
	Status     CaseStatus    `json:"status"`
	Iteration  int           `json:"iteration"`
	CreatedAt  time.Time     `json:"created_at"`
	Results    []StageResult `json:"results"`
	BestEffort bool          `json:"best_effort,omitempty"`
	FailReason string        `json:"fail_reason,omitempty"`
	Report     *Report       `json:"report,omitempty"`
}

// NewCase creates a case in the Created state.
func NewCase(issue, target string) *Case {
	return &Case{
		ID:        uuid.NewString(),
		Issue:     issue,
		Target:    target,
		Status:    StatusCreated,
		Iteration: 1,
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds a stage result to the log, assigning the next sequence
// number. The log is append-only; results are never reordered or removed.
func (c *Case) Append(res StageResult) {
	res.Seq = len(c.Results) + 1
	c.Results = append(c.Results, res)
}

// View returns a read-only snapshot handed to stages. The result slice is
// shared; stages must treat it as immutable.
func (c *Case) View() CaseView {
	return CaseView{
		ID:        c.ID,
		Issue:     c.Issue,
		Target:    c.Target,
		Iteration: c.Iteration,
		Results:   c.Results,
	}
}

// CaseView is the immutable view of a case passed to stages.
type CaseView struct {
	ID        string        `json:"id"`
	Issue     string        `json:"issue"`
	Target    string        `json:"target"`
	Iteration int           `json:"iteration"`
	Results   []StageResult `json:"results"`
}

// ExecutedActions collects the identity keys of every action already run
// by an executor stage, for duplicate suppression.
func (v CaseView) ExecutedActions() map[string]bool {
	keys := make(map[string]bool)
	for _, res := range v.Results {
		if res.Stage != StageExecutor {
			continue
		}
		for _, inv := range res.Invocations {
			keys[actionKey(inv.Tool, inv.Target, inv.Params)] = true
		}
	}
	return keys
}

// LastValidation returns the most recent validator result, if any.
func (v CaseView) LastValidation() (StageResult, bool) {
	for i := len(v.Results) - 1; i >= 0; i-- {
		if v.Results[i].Stage == StageValidator {
			return v.Results[i], true
		}
	}
	return StageResult{}, false
}

// StageResult is the output of one stage execution. Appended once to the
// case log and never mutated afterwards.
type StageResult struct {
	Seq         int              `json:"seq"`
	Stage       StageKind        `json:"stage"`
	Iteration   int              `json:"iteration"`
	Summary     string           `json:"summary,omitempty"`
	Findings    map[string]any   `json:"findings"`
	Verdict     Verdict          `json:"verdict,omitempty"`
	Actions     []PlanAction     `json:"actions,omitempty"`
	Invocations []ToolInvocation `json:"invocations,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
}

// PlanAction is one diagnostic action proposed by the planner.
type PlanAction struct {
	Tool      string            `json:"tool"`
	Target    string            `json:"target,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Rationale string            `json:"rationale,omitempty"`
}

// Key returns the canonical identity of the action: tool, target and
// the sorted parameter set. Two actions with equal keys are duplicates.
func (a PlanAction) Key() string {
	return actionKey(a.Tool, a.Target, a.Params)
}

func actionKey(tool, target string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(tool)
	b.WriteByte('|')
	b.WriteString(target)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// InvocationStatus is the outcome of a single tool invocation.
type InvocationStatus string

// Invocation outcomes.
const (
	InvocationOK          InvocationStatus = "ok"
	InvocationError       InvocationStatus = "error"
	InvocationTimedOut    InvocationStatus = "timed_out"
	InvocationUnsupported InvocationStatus = "unsupported"
)

// Usable reports whether the invocation produced output downstream stages
// can reason about.
func (s InvocationStatus) Usable() bool {
	return s == InvocationOK
}

// ToolInvocation records one diagnostic tool execution. It is owned by the
// executor stage result that produced it; the final report references
// invocations by id rather than duplicating them.
type ToolInvocation struct {
	ID        string            `json:"id"`
	Tool      string            `json:"tool"`
	Target    string            `json:"target"`
	Params    map[string]string `json:"params,omitempty"`
	Status    InvocationStatus  `json:"status"`
	ExitCode  int               `json:"exit_code"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// Report is the reporter's synthesis of a finished case. Tool output is
// referenced through invocation ids, not copied.
type Report struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"root_cause,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Resolved        bool     `json:"resolved"`
	BestEffort      bool     `json:"best_effort,omitempty"`
	InvocationIDs   []string `json:"invocation_ids,omitempty"`
	GeneratedAt     string   `json:"generated_at"`
}

// AnalyzerOutput is the schema-validated analyzer backend payload.
type AnalyzerOutput struct {
	Summary  string         `json:"summary"`
	Findings map[string]any `json:"findings"`
	Severity string         `json:"severity,omitempty"`
}

// PlannerOutput is the schema-validated planner backend payload.
type PlannerOutput struct {
	Strategy string       `json:"strategy"`
	Actions  []PlanAction `json:"actions"`
}

// ValidatorOutput is the schema-validated validator backend payload.
type ValidatorOutput struct {
	Verdict    Verdict        `json:"verdict"`
	Cause      string         `json:"cause,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Findings   map[string]any `json:"findings,omitempty"`
}

// ReporterOutput is the schema-validated reporter backend payload.
type ReporterOutput struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"root_cause,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// MarshalFindings renders a findings map as stable JSON for storage.
func MarshalFindings(findings map[string]any) string {
	if len(findings) == 0 {
		return "{}"
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return "{}"
	}
	return string(data)
}
