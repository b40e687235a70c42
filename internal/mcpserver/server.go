// Package mcpserver exposes the diagnosis pipeline over the Model
// Context Protocol so MCP clients can start diagnoses and query cases.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/metalagman/netdiag/internal/db"
	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/orchestrator"
	"github.com/metalagman/netdiag/internal/tool"
)

// Deps are the collaborators the MCP tools dispatch to.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Tools        tool.Runner
	Store        *db.Store
	ToolTimeout  time.Duration
}

// Server wraps the MCP SDK server.
type Server struct {
	MCPServer *sdkmcp.Server
	deps      Deps
}

// NewServer creates an MCP server exposing diagnose, run_tool and
// get_case.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "netdiag", Version: "dev"},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "diagnose",
		Description: "Run the full diagnosis pipeline for an issue against a target. Blocks until the case reaches a terminal status.",
	}, s.handleDiagnose)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "run_tool",
		Description: "Invoke a single diagnostic tool (ping, traceroute, dns, capture, logs) against a target.",
	}, s.handleRunTool)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_case",
		Description: "Fetch the stored report for a finished case by id.",
	}, s.handleGetCase)
}

type diagnoseInput struct {
	Issue  string `json:"issue" jsonschema:"description of the network issue"`
	Target string `json:"target" jsonschema:"target hostname or IP"`
}

type diagnoseOutput struct {
	CaseID     string        `json:"case_id"`
	Status     string        `json:"status"`
	BestEffort bool          `json:"best_effort,omitempty"`
	Report     *model.Report `json:"report,omitempty"`
}

func (s *Server) handleDiagnose(ctx context.Context, _ *sdkmcp.CallToolRequest, input diagnoseInput) (*sdkmcp.CallToolResult, diagnoseOutput, error) {
	if input.Issue == "" || input.Target == "" {
		return nil, diagnoseOutput{}, fmt.Errorf("issue and target are required")
	}

	c, err := s.deps.Orchestrator.Run(ctx, input.Issue, input.Target)
	out := diagnoseOutput{
		CaseID:     c.ID,
		Status:     string(c.Status),
		BestEffort: c.BestEffort,
		Report:     c.Report,
	}
	if err != nil && c.Status == model.StatusFailed && c.Report == nil {
		return nil, out, err
	}
	return nil, out, nil
}

type runToolInput struct {
	Name   string            `json:"name" jsonschema:"diagnostic tool name"`
	Target string            `json:"target" jsonschema:"target hostname or IP"`
	Params map[string]string `json:"params,omitempty" jsonschema:"tool parameters"`
}

type runToolOutput struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleRunTool(ctx context.Context, _ *sdkmcp.CallToolRequest, input runToolInput) (*sdkmcp.CallToolResult, runToolOutput, error) {
	if input.Name == "" || input.Target == "" {
		return nil, runToolOutput{}, fmt.Errorf("name and target are required")
	}

	inv := s.deps.Tools.Invoke(ctx, input.Name, input.Target, input.Params, s.deps.ToolTimeout)
	return nil, runToolOutput{
		Status:   string(inv.Status),
		ExitCode: inv.ExitCode,
		Output:   inv.Output,
		Error:    inv.Error,
	}, nil
}

type getCaseInput struct {
	CaseID string `json:"case_id" jsonschema:"case id from diagnose"`
}

type getCaseOutput struct {
	Status string        `json:"status"`
	Report *model.Report `json:"report,omitempty"`
}

func (s *Server) handleGetCase(ctx context.Context, _ *sdkmcp.CallToolRequest, input getCaseInput) (*sdkmcp.CallToolResult, getCaseOutput, error) {
	if s.deps.Store == nil {
		return nil, getCaseOutput{}, fmt.Errorf("case store is not available")
	}
	status, err := s.deps.Store.GetCaseStatus(ctx, input.CaseID)
	if err != nil {
		return nil, getCaseOutput{}, err
	}
	if status == "" {
		return nil, getCaseOutput{}, fmt.Errorf("unknown case id %s", input.CaseID)
	}

	out := getCaseOutput{Status: status}
	reportJSON, err := s.deps.Store.GetReport(ctx, input.CaseID)
	if err != nil {
		return nil, getCaseOutput{}, err
	}
	if reportJSON != "" {
		var report model.Report
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			return nil, getCaseOutput{}, fmt.Errorf("decode stored report: %w", err)
		}
		out.Report = &report
	}
	return nil, out, nil
}
