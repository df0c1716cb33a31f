//go:build property
// +build property

// Property-based tests for engram hashing and tamper evidence.
package engram_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sentinel-platform/sentinel/core/pkg/engram"
)

// TestFinalizedEngramsAlwaysVerify verifies the finalize-then-verify contract.
// Property: Finalize(session).VerifyIntegrity() == true for any recorded content
func TestFinalizedEngramsAlwaysVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("finalized engrams always verify", prop.ForAll(
		func(tenant, agent, intent, choice, rationale string, confidence float64) bool {
			s := engram.NewSession(tenant, agent, intent)
			if err := s.AddDecision(choice, rationale, confidence); err != nil {
				return false
			}
			if err := s.AddAction("tool_run", rationale, map[string]any{"input": choice}, true); err != nil {
				return false
			}
			e, err := s.Finalize()
			if err != nil {
				return false
			}
			return e.VerifyIntegrity()
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestMutationBreaksVerification verifies tamper evidence.
// Property: mutating any field after finalize makes VerifyIntegrity() false
func TestMutationBreaksVerification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any post-finalize mutation breaks verification", prop.ForAll(
		func(tenant, agent, intent string, field int) bool {
			s := engram.NewSession(tenant, agent, intent)
			if err := s.AddDecision("choice", "rationale", 0.5); err != nil {
				return false
			}
			if err := s.AddAlternative("option", "reason"); err != nil {
				return false
			}
			if err := s.AddAction("tool_x", "ran x", nil, true); err != nil {
				return false
			}
			e, err := s.Finalize()
			if err != nil {
				return false
			}

			switch field % 7 {
			case 0:
				e.TenantID += "x"
			case 1:
				e.AgentID += "x"
			case 2:
				e.Intent += "x"
			case 3:
				e.Decisions[0].Rationale += "x"
			case 4:
				e.Decisions[0].Confidence += 0.001
			case 5:
				e.Alternatives[0].Option += "x"
			case 6:
				e.Actions[0].Success = !e.Actions[0].Success
			}
			return !e.VerifyIntegrity()
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestRoundTripPreservesVerification verifies hash stability across
// serialization.
// Property: Unmarshal(Marshal(e)).VerifyIntegrity() == true
func TestRoundTripPreservesVerification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JSON round-trip preserves verification", prop.ForAll(
		func(tenant, intent, key, value string, count int) bool {
			s := engram.NewSession(tenant, "agent", intent)
			if err := s.SetContext(map[string]any{key: value}); err != nil {
				return false
			}
			if err := s.AddAction("tool_y", "ran y", map[string]any{"count": count}, count%2 == 0); err != nil {
				return false
			}
			e, err := s.Finalize()
			if err != nil {
				return false
			}

			data, err := json.Marshal(e)
			if err != nil {
				return false
			}
			var loaded engram.Engram
			if err := json.Unmarshal(data, &loaded); err != nil {
				return false
			}
			return loaded.VerifyIntegrity() && loaded.ContentHash == e.ContentHash
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 1_000_000),
	))

	properties.TestingRun(t)
}
