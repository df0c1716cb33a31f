package sim

// GraphQueryPattern describes what to look for in the digital twin when
// testing a technique.
type GraphQueryPattern struct {
	NodeLabels         []string       `json:"node_labels"`
	EdgeTypes          []string       `json:"edge_types"`
	RequiredProperties map[string]any `json:"required_properties,omitempty"`
	Description        string         `json:"description"`
}

// Technique is a MITRE ATT&CK technique with graph query metadata.
type Technique struct {
	ID              string            `json:"technique_id"`
	Name            string            `json:"technique_name"`
	Tactic          Tactic            `json:"tactic"`
	Description     string            `json:"description"`
	MitreURL        string            `json:"mitre_url"`
	SeverityDefault string            `json:"severity_default"`
	GraphQuery      GraphQueryPattern `json:"graph_query"`
}

// catalog is the built-in technique set: five techniques per tactic,
// twenty in all. Order within a tactic is the evaluation order.
var catalog = []Technique{
	// Initial Access
	{
		ID:              "T1190",
		Name:            "Exploit Public-Facing Application",
		Tactic:          TacticInitialAccess,
		Description:     "Adversaries may exploit vulnerabilities in internet-facing applications to gain initial access.",
		MitreURL:        "https://attack.mitre.org/techniques/T1190/",
		SeverityDefault: "critical",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"Host", "Service", "Vulnerability"},
			EdgeTypes:          []string{"RUNS_ON", "HAS_CVE", "EXPOSES"},
			RequiredProperties: map[string]any{"is_internet_facing": true, "exploitable": true},
			Description:        "Internet-facing Hosts with Services that have exploitable CVEs",
		},
	},
	{
		ID:              "T1133",
		Name:            "External Remote Services",
		Tactic:          TacticInitialAccess,
		Description:     "Adversaries may leverage external remote services (RDP, SSH, VNC) as initial access vectors.",
		MitreURL:        "https://attack.mitre.org/techniques/T1133/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"Host", "Service", "User"},
			EdgeTypes:          []string{"EXPOSES", "HAS_ACCESS"},
			RequiredProperties: map[string]any{"is_internet_facing": true},
			Description:        "Services on remote-access ports (22, 3389, 5900, 5985) on internet-facing Hosts without MFA",
		},
	},
	{
		ID:              "T1566",
		Name:            "Phishing",
		Tactic:          TacticInitialAccess,
		Description:     "Adversaries may send phishing messages to gain access to victim systems via user interaction.",
		MitreURL:        "https://attack.mitre.org/techniques/T1566/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"User", "Host"},
			EdgeTypes:          []string{"HAS_ACCESS"},
			RequiredProperties: map[string]any{"mfa_enabled": false},
			Description:        "Users without MFA who have access to critical systems",
		},
	},
	{
		ID:              "T1078",
		Name:            "Valid Accounts",
		Tactic:          TacticInitialAccess,
		Description:     "Adversaries may use valid credentials to gain initial access, including service accounts and stale human accounts.",
		MitreURL:        "https://attack.mitre.org/techniques/T1078/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User", "Role"},
			EdgeTypes:   []string{"HAS_ACCESS", "MEMBER_OF"},
			Description: "Service accounts with excessive access or stale human accounts",
		},
	},
	{
		ID:              "T1199",
		Name:            "Trusted Relationship",
		Tactic:          TacticInitialAccess,
		Description:     "Adversaries may exploit trusted third-party relationships to gain initial access to a target network.",
		MitreURL:        "https://attack.mitre.org/techniques/T1199/",
		SeverityDefault: "medium",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"Host", "Vpc"},
			EdgeTypes:   []string{"TRUSTS"},
			Description: "TRUSTS edges across VPCs or cloud boundaries",
		},
	},

	// Lateral Movement
	{
		ID:              "T1021.001",
		Name:            "Remote Desktop Protocol",
		Tactic:          TacticLateralMovement,
		Description:     "Adversaries may use RDP to move laterally between internal hosts.",
		MitreURL:        "https://attack.mitre.org/techniques/T1021/001/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"Host", "Service"},
			EdgeTypes:          []string{"HAS_ACCESS", "CAN_REACH"},
			RequiredProperties: map[string]any{"port": 3389},
			Description:        "RDP lateral chains via port 3389",
		},
	},
	{
		ID:              "T1021.004",
		Name:            "SSH",
		Tactic:          TacticLateralMovement,
		Description:     "Adversaries may use SSH to move laterally between internal hosts.",
		MitreURL:        "https://attack.mitre.org/techniques/T1021/004/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"Host", "Service"},
			EdgeTypes:          []string{"HAS_ACCESS", "CAN_REACH"},
			RequiredProperties: map[string]any{"port": 22},
			Description:        "SSH lateral chains via port 22",
		},
	},
	{
		ID:              "T1550.002",
		Name:            "Pass the Hash",
		Tactic:          TacticLateralMovement,
		Description:     "Adversaries may use stolen password hashes to authenticate to systems without knowing the plaintext password.",
		MitreURL:        "https://attack.mitre.org/techniques/T1550/002/",
		SeverityDefault: "critical",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User", "Host"},
			EdgeTypes:   []string{"HAS_ACCESS"},
			Description: "Admin users with HAS_ACCESS to multiple hosts (credential reuse)",
		},
	},
	{
		ID:              "T1558",
		Name:            "Steal or Forge Kerberos Tickets",
		Tactic:          TacticLateralMovement,
		Description:     "Adversaries may steal or forge Kerberos tickets to move laterally within an environment.",
		MitreURL:        "https://attack.mitre.org/techniques/T1558/",
		SeverityDefault: "critical",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User", "Group", "Host"},
			EdgeTypes:   []string{"MEMBER_OF", "HAS_ACCESS"},
			Description: "Privileged group members with access to domain controllers",
		},
	},
	{
		ID:              "T1482",
		Name:            "Domain Trust Discovery",
		Tactic:          TacticLateralMovement,
		Description:     "Adversaries may enumerate trust relationships between domains to identify lateral movement opportunities.",
		MitreURL:        "https://attack.mitre.org/techniques/T1482/",
		SeverityDefault: "medium",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"Host", "Vpc"},
			EdgeTypes:   []string{"TRUSTS"},
			Description: "Transitive TRUSTS chains enabling cross-domain access",
		},
	},

	// Privilege Escalation
	{
		ID:              "T1068",
		Name:            "Exploitation for Privilege Escalation",
		Tactic:          TacticPrivilegeEscalation,
		Description:     "Adversaries may exploit software vulnerabilities to escalate privileges on a system.",
		MitreURL:        "https://attack.mitre.org/techniques/T1068/",
		SeverityDefault: "critical",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"Host", "Service", "Vulnerability"},
			EdgeTypes:          []string{"RUNS_ON", "HAS_CVE"},
			RequiredProperties: map[string]any{"exploitable": true},
			Description:        "Services with high-CVSS exploitable CVEs for privilege escalation",
		},
	},
	{
		ID:              "T1078.001",
		Name:            "Valid Accounts: Default Accounts",
		Tactic:          TacticPrivilegeEscalation,
		Description:     "Adversaries may use default account credentials to escalate privileges.",
		MitreURL:        "https://attack.mitre.org/techniques/T1078/001/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User"},
			EdgeTypes:   []string{"HAS_ACCESS"},
			Description: "Users with default names (admin, root, guest, sa) that are enabled",
		},
	},
	{
		ID:              "T1548",
		Name:            "Abuse Elevation Control Mechanism",
		Tactic:          TacticPrivilegeEscalation,
		Description:     "Adversaries may circumvent elevation controls to gain higher privileges on a system.",
		MitreURL:        "https://attack.mitre.org/techniques/T1548/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User", "Role"},
			EdgeTypes:   []string{"MEMBER_OF"},
			Description: "Roles with wildcard or overly broad permissions",
		},
	},
	{
		ID:              "T1134",
		Name:            "Access Token Manipulation",
		Tactic:          TacticPrivilegeEscalation,
		Description:     "Adversaries may modify access tokens to operate under a different security context.",
		MitreURL:        "https://attack.mitre.org/techniques/T1134/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User", "Host"},
			EdgeTypes:   []string{"HAS_ACCESS", "TRUSTS"},
			Description: "Service accounts accessing many critical hosts with trust edges",
		},
	},
	{
		ID:              "T1098",
		Name:            "Account Manipulation",
		Tactic:          TacticPrivilegeEscalation,
		Description:     "Adversaries may manipulate accounts to maintain or elevate access to victim systems.",
		MitreURL:        "https://attack.mitre.org/techniques/T1098/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"User", "Role", "Policy"},
			EdgeTypes:   []string{"MEMBER_OF", "HAS_ACCESS"},
			Description: "Overly broad roles with identity management access",
		},
	},

	// Exfiltration
	{
		ID:              "T1041",
		Name:            "Exfiltration Over C2 Channel",
		Tactic:          TacticExfiltration,
		Description:     "Adversaries may exfiltrate data over an existing command and control channel.",
		MitreURL:        "https://attack.mitre.org/techniques/T1041/",
		SeverityDefault: "critical",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"Host"},
			EdgeTypes:   []string{"CAN_REACH", "CONNECTS_TO"},
			Description: "Paths from crown jewels to internet-facing nodes",
		},
	},
	{
		ID:              "T1048",
		Name:            "Exfiltration Over Alternative Protocol",
		Tactic:          TacticExfiltration,
		Description:     "Adversaries may use non-standard protocols (DNS, ICMP) to exfiltrate data.",
		MitreURL:        "https://attack.mitre.org/techniques/T1048/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:         []string{"Host", "Service"},
			EdgeTypes:          []string{"CAN_REACH", "CONNECTS_TO"},
			RequiredProperties: map[string]any{"port": 53},
			Description:        "DNS or non-standard services reachable from sensitive hosts",
		},
	},
	{
		ID:              "T1567",
		Name:            "Exfiltration Over Web Service",
		Tactic:          TacticExfiltration,
		Description:     "Adversaries may exfiltrate data to cloud storage or web services.",
		MitreURL:        "https://attack.mitre.org/techniques/T1567/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"Host", "Service", "Application"},
			EdgeTypes:   []string{"CAN_REACH", "DEPENDS_ON"},
			Description: "Paths to cloud storage endpoints from internal hosts",
		},
	},
	{
		ID:              "T1537",
		Name:            "Transfer Data to Cloud Account",
		Tactic:          TacticExfiltration,
		Description:     "Adversaries may transfer data to a cloud account they control.",
		MitreURL:        "https://attack.mitre.org/techniques/T1537/",
		SeverityDefault: "high",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"Host", "Application"},
			EdgeTypes:   []string{"CAN_REACH", "HAS_ACCESS"},
			Description: "Cloud storage applications accessible from internal hosts",
		},
	},
	{
		ID:              "T1029",
		Name:            "Scheduled Transfer",
		Tactic:          TacticExfiltration,
		Description:     "Adversaries may schedule data exfiltration to occur at certain times or intervals.",
		MitreURL:        "https://attack.mitre.org/techniques/T1029/",
		SeverityDefault: "medium",
		GraphQuery: GraphQueryPattern{
			NodeLabels:  []string{"Host", "Service", "Application"},
			EdgeTypes:   []string{"CAN_REACH", "HAS_ACCESS"},
			Description: "Scheduler services with outbound reach to external nodes",
		},
	},
}

// TechniquesForTactic returns the catalog techniques for one tactic in
// evaluation order.
func TechniquesForTactic(t Tactic) []Technique {
	var out []Technique
	for _, tech := range catalog {
		if tech.Tactic == t {
			out = append(out, tech)
		}
	}
	return out
}

// TechniqueByID looks up a technique by its MITRE id.
func TechniqueByID(id string) (Technique, bool) {
	for _, tech := range catalog {
		if tech.ID == id {
			return tech, true
		}
	}
	return Technique{}, false
}
