// Sentinel-specific instrumentation helpers.

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel semantic convention attributes.
var (
	// Tenancy attributes
	AttrTenantID = attribute.Key("sentinel.tenant.id")

	// Agent attributes
	AttrAgentType = attribute.Key("sentinel.agent.type")
	AttrAgentID   = attribute.Key("sentinel.agent.id")
	AttrPlaybook  = attribute.Key("sentinel.agent.playbook")

	// Hunt attributes
	AttrHuntFindings = attribute.Key("sentinel.hunt.findings")
	AttrHuntSeverity = attribute.Key("sentinel.hunt.max_severity")

	// Simulation attributes
	AttrTactic      = attribute.Key("sentinel.simulation.tactic")
	AttrTechniqueID = attribute.Key("sentinel.simulation.technique_id")

	// Policy attributes
	AttrPolicyPath     = attribute.Key("sentinel.policy.path")
	AttrPolicyAction   = attribute.Key("sentinel.policy.action")
	AttrPolicyDecision = attribute.Key("sentinel.policy.decision")

	// Engram attributes
	AttrEngramID = attribute.Key("sentinel.engram.id")

	// Store attributes
	AttrStoreBackend = attribute.Key("sentinel.store.backend")
	AttrStoreOp      = attribute.Key("sentinel.store.operation")
)

// AgentRun creates attributes for an agent run.
func AgentRun(tenantID, agentType, playbook string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAgentType.String(agentType),
		AttrPlaybook.String(playbook),
	}
}

// SimulationRun creates attributes for an attack simulation.
func SimulationRun(tenantID, tactic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrTactic.String(tactic),
	}
}

// PolicyEvaluation creates attributes for a policy decision.
func PolicyEvaluation(path, action string, allowed bool) []attribute.KeyValue {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	return []attribute.KeyValue{
		AttrPolicyPath.String(path),
		AttrPolicyAction.String(action),
		AttrPolicyDecision.String(decision),
	}
}

// StoreOperation creates attributes for an engram or findings store call.
func StoreOperation(backend, op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStoreBackend.String(backend),
		AttrStoreOp.String(op),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
