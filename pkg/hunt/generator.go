package hunt

import (
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/sigma"
)

// Generator converts hunt findings into Sigma detection rules. Each
// playbook has its own selection builder, mapping evidence fields onto the
// detection logic appropriate to that threat category.
type Generator struct{}

// FromFinding builds a Sigma rule for a finding. The second return is
// false when the finding's playbook has no builder.
func (g Generator) FromFinding(f Finding) (sigma.Rule, bool) {
	switch f.Playbook {
	case PlaybookCredentialAbuse:
		return g.credentialAbuseRule(f), true
	case PlaybookLateralMovement:
		return g.lateralMovementRule(f), true
	case PlaybookDataExfiltration:
		return g.dataExfiltrationRule(f), true
	}
	return sigma.Rule{}, false
}

func (Generator) credentialAbuseRule(f Finding) sigma.Rule {
	selection := map[string]any{
		"event.outcome":  "failure",
		"event.category": "authentication",
	}
	if v, ok := f.Evidence["source_ips"]; ok {
		selection["source.ip"] = v
	}
	if v, ok := f.Evidence["target_users"]; ok {
		selection["user.name"] = v
	}
	if v, ok := f.Evidence["event_ids"]; ok {
		selection["event.code"] = v
	}

	rule := baseRule(f, selection, attackTags("attack.credential_access", f.MitreTechniqueIDs))
	rule.Logsource = map[string]string{"category": "authentication", "product": "windows"}
	rule.FalsePositives = []string{"Legitimate account lockout due to password change"}
	return rule
}

func (Generator) lateralMovementRule(f Finding) sigma.Rule {
	selection := map[string]any{}
	if v, ok := f.Evidence["source_hosts"]; ok {
		selection["source.ip"] = v
	}
	if v, ok := f.Evidence["dest_hosts"]; ok {
		selection["destination.ip"] = v
	}
	if v, ok := f.Evidence["dest_ports"]; ok {
		selection["destination.port"] = v
	} else {
		selection["destination.port"] = []int{3389, 445, 5985}
	}

	rule := baseRule(f, selection, attackTags("attack.lateral_movement", f.MitreTechniqueIDs))
	rule.Logsource = map[string]string{"category": "network_connection", "product": "any"}
	rule.FalsePositives = []string{"Legitimate system administration via RDP or WinRM"}
	return rule
}

func (Generator) dataExfiltrationRule(f Finding) sigma.Rule {
	selection := map[string]any{}
	if v, ok := f.Evidence["dest_ips"]; ok {
		selection["destination.ip"] = v
	}
	if v, ok := f.Evidence["dest_ports"]; ok {
		selection["destination.port"] = v
	}
	if v, ok := f.Evidence["dns_queries"]; ok {
		selection["dns.question.name|contains"] = v
	}

	rule := baseRule(f, selection, attackTags("attack.exfiltration", f.MitreTechniqueIDs))
	rule.Logsource = map[string]string{"category": "network_connection", "product": "any"}
	rule.FalsePositives = []string{"Large legitimate file transfers", "Backup operations"}
	return rule
}

func baseRule(f Finding, selection map[string]any, tags []string) sigma.Rule {
	rule := sigma.NewRule(f.Title, f.Description)
	rule.Detection.Selection = selection
	rule.Tags = tags
	rule.Level = sigma.SeverityToLevel(f.Severity)
	return rule
}

// attackTags is the tactic tag followed by one attack.<id> tag per
// technique, ids lowercased per the Sigma taxonomy.
func attackTags(tactic string, techniqueIDs []string) []string {
	tags := []string{tactic}
	for _, tid := range techniqueIDs {
		tags = append(tags, "attack."+strings.ToLower(tid))
	}
	return tags
}
