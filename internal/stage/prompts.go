package stage

import (
	"strings"

	"github.com/metalagman/netdiag/internal/model"
)

// instructions builds the system prompt for a stage. The common preamble
// pins the output contract; the per-stage section states the role
// requirements.
func instructions(kind model.StageKind) string {
	var b strings.Builder
	b.WriteString("You are a netdiag reasoning stage in a network-fault diagnosis pipeline.\n")
	b.WriteString("- The input is a JSON document describing the case and all prior stage results.\n")
	b.WriteString("- Respond with a single JSON object and nothing else. No prose, no markdown fences.\n")
	b.WriteString("- The response must satisfy this JSON schema:\n")
	b.WriteString(OutputSchema(kind))
	b.WriteString("\n")

	switch kind {
	case model.StageAnalyzer:
		b.WriteString("Role requirements: examine the issue description and target, and produce a structured problem summary.\n")
		b.WriteString("- Put every observable symptom into 'findings' as key/value pairs (e.g. packet_loss_pct, avg_latency_ms, status).\n")
		b.WriteString("- Set 'severity' to degraded when loss exceeds 5% or latency is abnormal for the path.\n")
	case model.StagePlanner:
		b.WriteString("Role requirements: produce an ordered list of diagnostic actions for the executor.\n")
		b.WriteString("- Allowed tools are listed under 'tools' in the input. Never propose a tool outside that list.\n")
		b.WriteString("- Never repeat an action already present in a prior executor result; propose what adds new signal.\n")
		b.WriteString("- On loop-back, use the validator's verdict and prior tool output to narrow the plan.\n")
	case model.StageValidator:
		b.WriteString("Role requirements: judge whether the accumulated findings identify the root cause.\n")
		b.WriteString("- Return verdict 'resolved' only when the evidence supports a specific cause; state it in 'cause'.\n")
		b.WriteString("- Return 'needs_more_data' when another round of diagnostics could settle the question.\n")
	case model.StageReporter:
		b.WriteString("Role requirements: synthesize all stage results into a final report.\n")
		b.WriteString("- Summarize whatever data exists, even for unresolved or partially failed cases.\n")
		b.WriteString("- List concrete follow-up recommendations for the operator.\n")
	}

	return b.String()
}
