package agent

// PlanSchema is the JSON Schema playbooks pass to structured planning
// completions. It mirrors Plan's JSON shape; replies are validated against
// it before decoding, so a malformed plan surfaces as a validation error
// rather than a zero-valued struct.
const PlanSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "AgentPlan",
  "type": "object",
  "properties": {
    "description": {"type": "string"},
    "rationale": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "steps": {"type": "array", "items": {"type": "string"}},
    "alternatives": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "option": {"type": "string"},
          "reason": {"type": "string"}
        },
        "required": ["option", "reason"],
        "additionalProperties": false
      }
    }
  },
  "required": ["description", "rationale", "confidence", "steps"]
}`
