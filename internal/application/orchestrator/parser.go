package orchestrator

import (
	"strconv"
	"strings"

	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// The detection stages ask the model for line-prefixed output (FILE:, LINE:,
// SEVERITY:, ...). The parsers below scan those prefixes with a finding
// accumulator that flushes whenever a new record marker appears. Malformed
// lines are ignored, never fatal.

// ParseVulnerabilities extracts findings from a vulnerability-stage response.
// A finding starts at a FILE: marker and is kept only if it has a file path.
func ParseVulnerabilities(response string) []analysis.Vulnerability {
	var out []analysis.Vulnerability
	var cur analysis.Vulnerability
	open := false

	flush := func() {
		if open && cur.FilePath != "" {
			if cur.Severity == "" {
				cur.Severity = "low"
			}
			out = append(out, cur)
		}
		cur = analysis.Vulnerability{}
		open = false
	}

	for _, raw := range strings.Split(response, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "FILE:"):
			flush()
			cur.FilePath = strings.TrimSpace(strings.TrimPrefix(line, "FILE:"))
			open = true
		case !open:
			// ignore anything before the first marker
		case strings.HasPrefix(line, "LINE:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "LINE:"))); err == nil {
				cur.LineNumber = n
			}
		case strings.HasPrefix(line, "SEVERITY:"):
			cur.Severity = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "SEVERITY:")))
		case strings.HasPrefix(line, "TYPE:"):
			cur.Type = strings.TrimSpace(strings.TrimPrefix(line, "TYPE:"))
		case strings.HasPrefix(line, "DESCRIPTION:"):
			cur.Description = strings.TrimSpace(strings.TrimPrefix(line, "DESCRIPTION:"))
		case strings.HasPrefix(line, "CWE:"):
			cur.CWEID = strings.TrimSpace(strings.TrimPrefix(line, "CWE:"))
		case strings.HasPrefix(line, "FIX:"):
			cur.RecommendedFix = strings.TrimSpace(strings.TrimPrefix(line, "FIX:"))
		}
	}
	flush()

	return out
}

// ParseDependencyRisks extracts risks from a dependency-audit response.
// A risk starts at a PACKAGE: marker and is kept only if it names a package.
func ParseDependencyRisks(response string) []analysis.DependencyRisk {
	var out []analysis.DependencyRisk
	var cur analysis.DependencyRisk
	open := false

	flush := func() {
		if open && cur.PackageName != "" {
			if cur.RiskLevel == "" {
				cur.RiskLevel = "low"
			}
			out = append(out, cur)
		}
		cur = analysis.DependencyRisk{}
		open = false
	}

	for _, raw := range strings.Split(response, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "PACKAGE:"):
			flush()
			cur.PackageName = strings.TrimSpace(strings.TrimPrefix(line, "PACKAGE:"))
			open = true
		case !open:
		case strings.HasPrefix(line, "VERSION:"):
			cur.Version = strings.TrimSpace(strings.TrimPrefix(line, "VERSION:"))
		case strings.HasPrefix(line, "LATEST:"):
			cur.LatestVersion = strings.TrimSpace(strings.TrimPrefix(line, "LATEST:"))
		case strings.HasPrefix(line, "RISK_LEVEL:"):
			cur.RiskLevel = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "RISK_LEVEL:")))
		case strings.HasPrefix(line, "VULNERABILITIES:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "VULNERABILITIES:"))
			for _, v := range strings.Split(raw, ",") {
				if v = strings.TrimSpace(v); v != "" {
					cur.Vulnerabilities = append(cur.Vulnerabilities, v)
				}
			}
		case strings.HasPrefix(line, "OUTDATED:"):
			cur.Outdated = strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(line, "OUTDATED:")), "yes")
		}
	}
	flush()

	return out
}
