package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/audit"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

const auditTenant = "33333333-3333-3333-3333-333333333333"

func newAuditor(t *testing.T, g graph.Reader, opts ...audit.Option) *audit.Auditor {
	t.Helper()
	a, err := audit.New(g, opts...)
	require.NoError(t, err)
	return a
}

func openSSHPolicy(t *testing.T, id, name string) graph.Node {
	t.Helper()
	return graph.Node{
		"id":          id,
		"name":        name,
		"policy_type": "security_group",
		"rules_json": mustJSON(t, []map[string]any{{
			"IpProtocol": "tcp",
			"FromPort":   22,
			"ToPort":     22,
			"IpRanges":   []map[string]any{{"CidrIp": "0.0.0.0/0"}},
		}}),
	}
}

// failReader fails every graph call.
type failReader struct{ err error }

func (f failReader) QueryNodes(context.Context, string, string, graph.NodeFilter) ([]graph.Node, error) {
	return nil, f.err
}

func (f failReader) QueryNeighbors(context.Context, string, string, graph.NeighborFilter) ([]graph.Node, error) {
	return nil, f.err
}

func (f failReader) QueryEdges(context.Context, string, graph.EdgeFilter) ([]graph.Edge, error) {
	return nil, f.err
}

func (f failReader) FindAttackPaths(context.Context, string, graph.PathOptions) (*graph.PathResult, error) {
	return nil, f.err
}

func (f failReader) ComputeBlastRadius(context.Context, string, string, graph.BlastOptions) (*graph.BlastRadius, error) {
	return nil, f.err
}

func TestAuditTenantNoResources(t *testing.T) {
	a := newAuditor(t, graph.NewMemory())

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	assert.Equal(t, 0, res.ResourcesScanned)
	assert.Equal(t, 0, res.FindingsCreated)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.EngramID)
}

func TestAuditTenantSecurityGroupViolation(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "Policy", openSSHPolicy(t, "sg-123", "open-sg"))
	a := newAuditor(t, g)

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ResourcesScanned)
	assert.Equal(t, 7, res.RulesEvaluated)
	assert.Equal(t, 1, res.FindingsCreated)
	assert.Equal(t, 1, res.HighCount)
	assert.Empty(t, res.Errors)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "high", f.Severity)
	assert.Equal(t, "Security group should not allow unrestricted SSH", f.Title)
	assert.Equal(t, "cis-aws-2.0-5.2", f.Evidence["rule_id"])
	assert.Equal(t, "sg-123", f.Evidence["resource_id"])
	assert.Equal(t, "Policy", f.Evidence["resource_type"])
	assert.Equal(t, []string{"Restrict SSH (port 22) access to specific trusted IP ranges."}, f.Recommendations)
}

func TestAuditTenantMFAViolation(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "User", graph.Node{
		"id":          "user-1",
		"username":    "alice",
		"source":      "aws_iam",
		"mfa_enabled": false,
	})
	a := newAuditor(t, g)

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ResourcesScanned)
	assert.Equal(t, 1, res.FindingsCreated)
	assert.Equal(t, 1, res.CriticalCount)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, "alice", res.Findings[0].Evidence["username"])
	assert.Equal(t, "User", res.Findings[0].Evidence["resource_type"])
}

func TestAuditTenantCompliant(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "Policy", graph.Node{
		"id":          "sg-ok",
		"name":        "good-sg",
		"policy_type": "security_group",
		"rules_json": mustJSON(t, []map[string]any{{
			"IpProtocol": "tcp",
			"FromPort":   443,
			"ToPort":     443,
			"IpRanges":   []map[string]any{{"CidrIp": "10.0.0.0/8"}},
		}}),
	})
	g.AddNode(auditTenant, "User", graph.Node{
		"id":          "user-2",
		"username":    "bob",
		"source":      "aws_iam",
		"mfa_enabled": true,
	})
	// Hosts are scanned even though no catalog rule targets them.
	g.AddNode(auditTenant, "Host", graph.Node{"id": "h1", "hostname": "web-01"})
	a := newAuditor(t, g)

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	assert.Equal(t, 3, res.ResourcesScanned)
	assert.Equal(t, 0, res.FindingsCreated)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Errors)
}

func TestAuditAssetTargetsOneResource(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "Policy", graph.Node{
		"id":          "sg-target",
		"name":        "target-sg",
		"policy_type": "security_group",
		"rules_json": mustJSON(t, []map[string]any{{
			"IpProtocol": "-1",
			"IpRanges":   []map[string]any{{"CidrIp": "0.0.0.0/0"}},
		}}),
	})
	g.AddNode(auditTenant, "Policy", openSSHPolicy(t, "sg-noise", "noise-sg"))
	a := newAuditor(t, g)

	res, err := a.AuditAsset(context.Background(), auditTenant, "sg-target")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ResourcesScanned)
	assert.Equal(t, 1, res.FindingsCreated)
	assert.Equal(t, 1, res.CriticalCount)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "cis-aws-2.0-5.4", res.Findings[0].Evidence["rule_id"])
}

func TestAuditMultipleViolations(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "Policy", openSSHPolicy(t, "sg-1", "sg-ssh"))
	g.AddNode(auditTenant, "Policy", graph.Node{
		"id":          "pol-1",
		"name":        "admin-policy",
		"policy_type": "iam_policy",
		"rules_json": mustJSON(t, []map[string]any{{
			"Effect":   "Allow",
			"Action":   "*",
			"Resource": "*",
		}}),
	})
	g.AddNode(auditTenant, "User", graph.Node{
		"id":          "user-nomfa",
		"username":    "charlie",
		"source":      "aws_iam",
		"mfa_enabled": false,
	})
	a := newAuditor(t, g)

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	assert.Equal(t, 3, res.ResourcesScanned)
	assert.Equal(t, 3, res.FindingsCreated)
	assert.Equal(t, 2, res.HighCount)
	assert.Equal(t, 1, res.CriticalCount)
}

func TestAuditDriftDetected(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "Policy", graph.Node{
		"id":          "sg-drift",
		"name":        "drift-sg",
		"policy_type": "security_group",
		"rules_json":  "[]",
	})
	snaps := audit.NewMemorySnapshots()
	require.NoError(t, snaps.Save(context.Background(), audit.Snapshot{
		TenantID:     auditTenant,
		ResourceID:   "sg-drift",
		ResourceType: "Policy",
		ConfigHash:   "old-hash-value",
		CapturedAt:   time.Now().UTC(),
	}))
	a := newAuditor(t, g, audit.WithSnapshots(snaps))

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	assert.Equal(t, 1, res.ConfigDrifts)
}

func TestAuditDriftAcrossRuns(t *testing.T) {
	ctx := context.Background()
	g := graph.NewMemory()
	g.AddNode(auditTenant, "Policy", graph.Node{
		"id":          "sg-stable",
		"name":        "stable-sg",
		"policy_type": "security_group",
		"rules_json":  "[]",
	})
	a := newAuditor(t, g, audit.WithSnapshots(audit.NewMemorySnapshots()))

	first, err := a.AuditTenant(ctx, auditTenant, "")
	require.NoError(t, err)
	assert.Equal(t, 0, first.ConfigDrifts, "no baseline on the first run")

	second, err := a.AuditTenant(ctx, auditTenant, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.ConfigDrifts, "unchanged config must not drift")

	g.AddNode(auditTenant, "Policy", openSSHPolicy(t, "sg-stable", "stable-sg"))
	third, err := a.AuditTenant(ctx, auditTenant, "")
	require.NoError(t, err)
	assert.Equal(t, 1, third.ConfigDrifts)
}

func TestAuditRecordsEngramTrail(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(auditTenant, "User", graph.Node{
		"id":          "user-1",
		"username":    "alice",
		"source":      "aws_iam",
		"mfa_enabled": false,
	})
	store := engram.NewFileStore(t.TempDir())
	a := newAuditor(t, g, audit.WithStore(store))

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.EngramID)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	assert.True(t, e.VerifyIntegrity())
	assert.Equal(t, "config-auditor", e.AgentID)
	assert.Equal(t, auditTenant, e.TenantID)
	assert.Equal(t, "Audit configuration against CIS benchmarks", e.Intent)

	ctxMap, ok := e.Context.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, auditTenant, ctxMap["tenant_id"])
	assert.EqualValues(t, 1, ctxMap["resource_count"])

	require.NotEmpty(t, e.Decisions)
	assert.Equal(t, "evaluate_rules", e.Decisions[0].Choice)
	assert.InDelta(t, 0.95, e.Decisions[0].Confidence, 1e-9)

	require.NotEmpty(t, e.Actions)
	last := e.Actions[len(e.Actions)-1]
	assert.Equal(t, "audit_complete", last.ActionType)
	assert.Equal(t, "Found 1 findings across 1 resources", last.Description)
	assert.True(t, last.Success)
}

func TestAuditNoResourcesRecordsAction(t *testing.T) {
	store := engram.NewFileStore(t.TempDir())
	a := newAuditor(t, graph.NewMemory(), audit.WithStore(store))

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	require.Len(t, e.Actions, 1)
	assert.Equal(t, "no_resources", e.Actions[0].ActionType)
	assert.True(t, e.Actions[0].Success)
	assert.Empty(t, e.Decisions)
}

func TestAuditGraphErrorRecordsFailure(t *testing.T) {
	store := engram.NewFileStore(t.TempDir())
	a := newAuditor(t, failReader{err: errors.New("twin offline")}, audit.WithStore(store))

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "query policy nodes")
	assert.Contains(t, res.Errors[0], "twin offline")
	assert.Equal(t, 0, res.FindingsCreated)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	require.Len(t, e.Actions, 1)
	assert.Equal(t, "audit_failed", e.Actions[0].ActionType)
	assert.False(t, e.Actions[0].Success)
}

func TestAuditRuleErrorsAreTolerated(t *testing.T) {
	g := graph.NewMemory()
	// A statement list with a non-object entry trips every security-group
	// condition on this resource.
	g.AddNode(auditTenant, "Policy", graph.Node{
		"id":          "sg-shape",
		"name":        "shape-sg",
		"policy_type": "security_group",
		"rules_json":  mustJSON(t, []any{"not-a-statement"}),
	})
	g.AddNode(auditTenant, "User", graph.Node{
		"id":          "user-nomfa",
		"username":    "charlie",
		"source":      "aws_iam",
		"mfa_enabled": false,
	})
	a := newAuditor(t, g)

	res, err := a.AuditTenant(context.Background(), auditTenant, "")
	require.NoError(t, err)

	require.Len(t, res.Errors, 3)
	for _, msg := range res.Errors {
		assert.Contains(t, msg, "sg-shape")
	}
	assert.Equal(t, 1, res.FindingsCreated)
	assert.Equal(t, 1, res.CriticalCount)
}

func TestMemorySnapshotsRoundTrip(t *testing.T) {
	ctx := context.Background()
	snaps := audit.NewMemorySnapshots()

	_, ok, err := snaps.Hash(ctx, auditTenant, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, snaps.Save(ctx, audit.Snapshot{
		TenantID:   auditTenant,
		ResourceID: "r1",
		ConfigHash: "abc",
		CapturedAt: time.Now().UTC(),
	}))

	hash, ok, err := snaps.Hash(ctx, auditTenant, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", hash)

	// Tenants do not share snapshots.
	_, ok, err = snaps.Hash(ctx, "other-tenant", "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}
