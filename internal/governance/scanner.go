package governance

import "regexp"

// FindingSeverity classifies a single risk-scanner match.
type FindingSeverity string

const (
	SeverityInfo      FindingSeverity = "info"
	SeveritySensitive FindingSeverity = "sensitive"
)

// Finding is one pattern match from the textual risk scanner.
type Finding struct {
	Pattern     string          `json:"pattern"`
	Match       string          `json:"match"`
	Severity    FindingSeverity `json:"severity"`
	Description string          `json:"description"`
}

type scanPattern struct {
	name        string
	re          *regexp.Regexp
	severity    FindingSeverity
	description string
}

// patterns is the fixed set the scanner matches against install scripts
// and readmes. Deliberately simple textual matching, not a parser — the
// scanner is a tripwire, not a verifier.
var patterns = []scanPattern{
	{
		name:        "shell_pipe_to_interpreter",
		re:          regexp.MustCompile(`(?i)curl[^|]*\|\s*(sh|bash|python3?)\b`),
		severity:    SeveritySensitive,
		description: "pipes a remote download directly into a shell interpreter",
	},
	{
		name:        "rm_root_path",
		re:          regexp.MustCompile(`rm\s+-rf?\s+/(\s|$|[a-z])`),
		severity:    SeveritySensitive,
		description: "recursively removes a root-adjacent filesystem path",
	},
	{
		name:        "credential_env_export",
		re:          regexp.MustCompile(`(?i)export\s+\w*(TOKEN|SECRET|KEY|PASSWORD)\w*\s*=`),
		severity:    SeveritySensitive,
		description: "exports an environment variable whose name suggests a credential",
	},
	{
		name:        "plaintext_url",
		re:          regexp.MustCompile(`http://[^\s"']+`),
		severity:    SeverityInfo,
		description: "references an unencrypted http:// URL",
	},
}

// Scan runs the fixed pattern set against textual content (an install
// script, a README, a manifest's free-text fields) and returns every
// match found.
func Scan(content string) []Finding {
	var findings []Finding
	for _, p := range patterns {
		for _, m := range p.re.FindAllString(content, -1) {
			findings = append(findings, Finding{
				Pattern:     p.name,
				Match:       m,
				Severity:    p.severity,
				Description: p.description,
			})
		}
	}
	return findings
}

// HasSensitiveFinding reports whether any finding in the sensitive set is
// present; these always escalate an install to ack-required regardless
// of declared trust level.
func HasSensitiveFinding(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeveritySensitive {
			return true
		}
	}
	return false
}

// InstallDecision is the outcome of classifying a skill install against
// its trust level and scan findings.
type InstallDecision struct {
	Proceed    bool
	AckRequired bool
	Findings   []Finding
}

// ClassifyInstall applies the trust-level rule: trusted proceeds;
// caution requires a scripts+readme risk scan (findings still gate);
// untrusted and any script-bearing install block with ack_required
// unless the caller already holds an acknowledgement. A sensitive
// finding always escalates to ack-required, overriding trust level.
func ClassifyInstall(trust TrustLevel, scriptsPresent bool, findings []Finding, acknowledged bool) InstallDecision {
	needsAck := trust == TrustUntrusted || scriptsPresent || HasSensitiveFinding(findings)
	if needsAck && !acknowledged {
		return InstallDecision{Proceed: false, AckRequired: true, Findings: findings}
	}
	return InstallDecision{Proceed: true, AckRequired: false, Findings: findings}
}
