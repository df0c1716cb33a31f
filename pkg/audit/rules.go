package audit

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/canonical"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// CloudTarget scopes a rule to one cloud provider.
type CloudTarget string

// Cloud targets a rule can apply to.
const (
	CloudAWS   CloudTarget = "aws"
	CloudAzure CloudTarget = "azure"
	CloudGCP   CloudTarget = "gcp"
	// CloudAny marks provider-agnostic rules; they match every filter.
	CloudAny CloudTarget = "any"
)

// DefaultBenchmark is the benchmark the built-in catalog implements.
const DefaultBenchmark = "CIS AWS Foundations Benchmark v2.0"

// Rule is one benchmark check. Condition is a CEL expression over two
// variables: `resource`, the node property bag, and `rules`, the parsed
// rules_json statement list (empty when the property is absent). The
// condition evaluates to true when the resource violates the rule; the
// rule's describe func then expands the violation into concrete findings,
// one per offending rule entry or policy statement.
type Rule struct {
	ID            string      `json:"rule_id"`
	Title         string      `json:"title"`
	Section       string      `json:"section"`
	Severity      string      `json:"severity"`
	Cloud         CloudTarget `json:"cloud"`
	Benchmark     string      `json:"benchmark"`
	ResourceTypes []string    `json:"resource_types"`
	Remediation   string      `json:"remediation"`
	Condition     string      `json:"-"`

	describe describeFunc
}

// AppliesTo reports whether the rule covers resources of the given graph
// label.
func (r Rule) AppliesTo(label string) bool {
	return slices.Contains(r.ResourceTypes, label)
}

// Violation is one concrete rule violation on one resource.
type Violation struct {
	RuleID       string         `json:"rule_id"`
	Severity     string         `json:"severity"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	ResourceID   string         `json:"resource_id"`
	ResourceType string         `json:"resource_type"`
	Remediation  string         `json:"remediation"`
	Details      map[string]any `json:"details,omitempty"`
}

type describeFunc func(r Rule, res graph.Node, stmts []any) []Violation

// Rules returns the catalog filtered by cloud and resource label. Zero
// values match everything; provider-agnostic rules match every cloud.
func Rules(cloud CloudTarget, resourceType string) []Rule {
	out := make([]Rule, 0, len(catalog))
	for _, r := range catalog {
		if cloud != "" && r.Cloud != cloud && r.Cloud != CloudAny {
			continue
		}
		if resourceType != "" && !r.AppliesTo(resourceType) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RuleByID returns the catalog rule with the given id.
func RuleByID(id string) (Rule, bool) {
	for _, r := range catalog {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// ConfigHash returns the canonical content hash of a resource's property
// bag. The hash is stable across runs for unchanged configuration and is
// the unit of comparison for drift detection.
func ConfigHash(resource graph.Node) (string, error) {
	return canonical.Hash(map[string]any(resource))
}

// parseRulesJSON decodes a Policy node's rules_json property into the
// statement list the CEL conditions evaluate. IAM policy documents that
// wrap statements in a {"Statement": [...]} envelope unwrap to the inner
// list. Empty or malformed JSON yields an empty list; collectors emit
// best-effort snapshots and a broken document should read as compliant,
// not fail the audit.
func parseRulesJSON(raw string) []any {
	if raw == "" {
		return []any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return []any{}
	}
	switch doc := v.(type) {
	case []any:
		return doc
	case map[string]any:
		if stmts, ok := doc["Statement"].([]any); ok {
			return stmts
		}
	}
	return []any{}
}

// catalog holds the built-in rules in benchmark order.
var catalog = []Rule{
	{
		ID:            "cis-aws-2.0-2.1.4",
		Title:         "S3 bucket should block public access",
		Section:       "2.1 Simple Storage Service (S3)",
		Severity:      agent.SeverityCritical,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"Application"},
		Remediation:   "Enable S3 Block Public Access at the account and/or bucket level.",
		Condition: `("name" in resource ? resource["name"] : "") != "" && ` +
			`(!("public_access_block" in resource) || resource["public_access_block"] == null)`,
		describe: describeS3PublicAccess,
	},
	{
		ID:            "cis-aws-2.0-5.2",
		Title:         "Security group should not allow unrestricted SSH",
		Section:       "5. Networking",
		Severity:      agent.SeverityHigh,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"Policy"},
		Remediation:   "Restrict SSH (port 22) access to specific trusted IP ranges.",
		Condition:     securityGroupPortCondition(22),
		describe:      describeOpenSSH,
	},
	{
		ID:            "cis-aws-2.0-5.3",
		Title:         "Security group should not allow unrestricted RDP",
		Section:       "5. Networking",
		Severity:      agent.SeverityHigh,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"Policy"},
		Remediation:   "Restrict RDP (port 3389) access to specific trusted IP ranges.",
		Condition:     securityGroupPortCondition(3389),
		describe:      describeOpenRDP,
	},
	{
		ID:            "cis-aws-2.0-5.4",
		Title:         "Security group should not allow unrestricted all-traffic ingress",
		Section:       "5. Networking",
		Severity:      agent.SeverityCritical,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"Policy"},
		Remediation:   "Remove rules allowing 0.0.0.0/0 on all ports.",
		Condition: `("policy_type" in resource ? resource["policy_type"] : "") == "security_group" && ` +
			`rules.exists(r, ("IpProtocol" in r ? r["IpProtocol"] : "") == "-1" && ` +
			`("IpRanges" in r ? r["IpRanges"] : dyn([])).exists(ip, ("CidrIp" in ip ? ip["CidrIp"] : "") == "0.0.0.0/0"))`,
		describe: describeAllTraffic,
	},
	{
		ID:            "cis-aws-2.0-1.16",
		Title:         "IAM policy should not have wildcard permissions",
		Section:       "1. Identity and Access Management",
		Severity:      agent.SeverityHigh,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"Policy"},
		Remediation:   "Replace wildcard (*) actions and resources with specific least-privilege permissions.",
		Condition: `("policy_type" in resource ? resource["policy_type"] : "") == "iam_policy" && ` +
			`rules.exists(s, ("Effect" in s ? s["Effect"] : "") == "Allow" && (` +
			`("Action" in s && (type(s["Action"]) == string ? s["Action"] == "*" : "*" in s["Action"])) || ` +
			`("Resource" in s && (type(s["Resource"]) == string ? s["Resource"] == "*" : "*" in s["Resource"]))))`,
		describe: describeWildcardPolicy,
	},
	{
		ID:            "cis-aws-2.0-1.4",
		Title:         "MFA should be enabled for all IAM users",
		Section:       "1. Identity and Access Management",
		Severity:      agent.SeverityCritical,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"User"},
		Remediation:   "Enable MFA for all IAM users, especially those with console access.",
		Condition: `("source" in resource ? resource["source"] : "") == "aws_iam" && ` +
			`(!("mfa_enabled" in resource) || resource["mfa_enabled"] == null || resource["mfa_enabled"] == false)`,
		describe: describeMissingMFA,
	},
	{
		ID:            "cis-aws-2.0-2.3.1",
		Title:         "RDS instances should have encryption at rest enabled",
		Section:       "2.3 Relational Database Service (RDS)",
		Severity:      agent.SeverityHigh,
		Cloud:         CloudAWS,
		Benchmark:     DefaultBenchmark,
		ResourceTypes: []string{"Service"},
		Remediation:   "Enable encryption at rest for all RDS instances.",
		Condition:     `("storage_encrypted" in resource) && resource["storage_encrypted"] == false`,
		describe:      describeUnencryptedStorage,
	},
}

// securityGroupPortCondition builds the open-ingress condition for one
// port: an inbound rule whose port interval covers it with a 0.0.0.0/0
// range. Missing ports read as 0, matching collector output for
// all-protocol rules.
func securityGroupPortCondition(port int) string {
	return fmt.Sprintf(
		`("policy_type" in resource ? resource["policy_type"] : "") == "security_group" && `+
			`rules.exists(r, ("FromPort" in r ? r["FromPort"] : 0) <= %d && %d <= ("ToPort" in r ? r["ToPort"] : 0) && `+
			`("IpRanges" in r ? r["IpRanges"] : dyn([])).exists(ip, ("CidrIp" in ip ? ip["CidrIp"] : "") == "0.0.0.0/0"))`,
		port, port)
}

func newViolation(r Rule, res graph.Node, description string, details map[string]any) Violation {
	resourceType := res.Label()
	if resourceType == "" && len(r.ResourceTypes) > 0 {
		resourceType = r.ResourceTypes[0]
	}
	return Violation{
		RuleID:       r.ID,
		Severity:     r.Severity,
		Title:        r.Title,
		Description:  description,
		ResourceID:   res.ID(),
		ResourceType: resourceType,
		Remediation:  r.Remediation,
		Details:      details,
	}
}

func describeS3PublicAccess(r Rule, res graph.Node, _ []any) []Violation {
	name := res.Str("name")
	return []Violation{newViolation(r, res,
		fmt.Sprintf("S3 bucket '%s' does not have public access block configured.", name),
		map[string]any{"bucket_name": name},
	)}
}

func describeOpenSSH(r Rule, res graph.Node, stmts []any) []Violation {
	name := res.Str("name")
	var out []Violation
	for _, stmt := range statements(stmts) {
		if !coversPort(stmt, 22) {
			continue
		}
		for _, cidr := range openRanges(stmt) {
			out = append(out, newViolation(r, res,
				fmt.Sprintf("Security group '%s' allows SSH (port 22) from 0.0.0.0/0.", name),
				map[string]any{"cidr": cidr, "port": 22, "sg_name": name},
			))
		}
	}
	return out
}

func describeOpenRDP(r Rule, res graph.Node, stmts []any) []Violation {
	name := res.Str("name")
	var out []Violation
	for _, stmt := range statements(stmts) {
		if !coversPort(stmt, 3389) {
			continue
		}
		for _, cidr := range openRanges(stmt) {
			out = append(out, newViolation(r, res,
				fmt.Sprintf("Security group '%s' allows RDP (port 3389) from 0.0.0.0/0.", name),
				map[string]any{"cidr": cidr, "port": 3389},
			))
		}
	}
	return out
}

func describeAllTraffic(r Rule, res graph.Node, stmts []any) []Violation {
	name := res.Str("name")
	var out []Violation
	for _, stmt := range statements(stmts) {
		if stmt.Str("IpProtocol") != "-1" {
			continue
		}
		for range openRanges(stmt) {
			out = append(out, newViolation(r, res,
				fmt.Sprintf("Security group '%s' allows all traffic from 0.0.0.0/0.", name),
				map[string]any{"sg_name": name},
			))
		}
	}
	return out
}

func describeWildcardPolicy(r Rule, res graph.Node, stmts []any) []Violation {
	name := res.Str("name")
	var out []Violation
	for _, stmt := range statements(stmts) {
		if stmt.Str("Effect") != "Allow" {
			continue
		}
		actions := stringList(stmt["Action"])
		resources := stringList(stmt["Resource"])
		if !slices.Contains(actions, "*") && !slices.Contains(resources, "*") {
			continue
		}
		out = append(out, newViolation(r, res,
			fmt.Sprintf("IAM policy '%s' contains a statement with wildcard permissions (Action: %v, Resource: %v).",
				name, actions, resources),
			map[string]any{"actions": actions, "resources": resources, "effect": stmt.Str("Effect")},
		))
	}
	return out
}

func describeMissingMFA(r Rule, res graph.Node, _ []any) []Violation {
	username := res.Str("username")
	return []Violation{newViolation(r, res,
		fmt.Sprintf("IAM user '%s' does not have MFA enabled.", username),
		map[string]any{"username": username, "mfa_enabled": res["mfa_enabled"]},
	)}
}

func describeUnencryptedStorage(r Rule, res graph.Node, _ []any) []Violation {
	name := res.Str("name")
	return []Violation{newViolation(r, res,
		fmt.Sprintf("RDS instance '%s' does not have encryption at rest enabled.", name),
		map[string]any{"rds_name": name},
	)}
}

// statements filters a decoded rules_json list down to its object entries.
func statements(stmts []any) []graph.Node {
	out := make([]graph.Node, 0, len(stmts))
	for _, raw := range stmts {
		if m, ok := raw.(map[string]any); ok {
			out = append(out, graph.Node(m))
		}
	}
	return out
}

// coversPort reports whether an ingress rule's port interval includes the
// port.
func coversPort(stmt graph.Node, port int) bool {
	return stmt.Float("FromPort") <= float64(port) && float64(port) <= stmt.Float("ToPort")
}

// openRanges returns one entry per 0.0.0.0/0 range on an ingress rule, so
// duplicated open ranges produce duplicated findings.
func openRanges(stmt graph.Node) []string {
	ranges, _ := stmt["IpRanges"].([]any)
	var out []string
	for _, raw := range ranges {
		ip, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if cidr, _ := ip["CidrIp"].(string); cidr == "0.0.0.0/0" {
			out = append(out, cidr)
		}
	}
	return out
}

// stringList coerces a policy document field that may be a bare string or
// a list into a string slice.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
