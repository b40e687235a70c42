package stage

import "github.com/metalagman/netdiag/internal/model"

// OutputSchema returns the JSON schema a backend response for the given
// stage must satisfy before it is accepted as a stage result.
func OutputSchema(kind model.StageKind) string {
	switch kind {
	case model.StageAnalyzer:
		return analyzerOutputSchema
	case model.StagePlanner:
		return plannerOutputSchema
	case model.StageValidator:
		return validatorOutputSchema
	case model.StageReporter:
		return reporterOutputSchema
	default:
		return ""
	}
}

const analyzerOutputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "summary": { "type": "string", "minLength": 1 },
    "findings": {
      "type": "object",
      "minProperties": 1
    },
    "severity": { "type": "string", "enum": ["normal", "degraded", "critical"] }
  },
  "required": ["summary", "findings"]
}`

const plannerOutputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "strategy": { "type": "string", "minLength": 1 },
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "tool": { "type": "string", "minLength": 1 },
          "target": { "type": "string" },
          "params": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          },
          "rationale": { "type": "string" }
        },
        "required": ["tool"]
      }
    }
  },
  "required": ["strategy", "actions"]
}`

const validatorOutputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "verdict": { "type": "string", "enum": ["resolved", "unresolved", "needs_more_data"] },
    "cause": { "type": "string" },
    "confidence": { "type": "number", "minimum": 0, "maximum": 1 },
    "findings": { "type": "object" }
  },
  "required": ["verdict"]
}`

const reporterOutputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "summary": { "type": "string", "minLength": 1 },
    "root_cause": { "type": "string" },
    "recommendations": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "required": ["summary"]
}`
