package fixes

import (
	"fmt"
	"strings"

	"github.com/protectsus/protectsus/internal/domain/analysis"
	domguidance "github.com/protectsus/protectsus/internal/domain/guidance"
	dompatterns "github.com/protectsus/protectsus/internal/domain/patterns"
)

const fixSystemPrompt = `You are a senior security engineer producing minimal, correct fixes.
Rewrite the given file so the listed vulnerabilities are resolved.
Rules:
- Preserve behavior for all code not involved in a finding.
- Keep the original style, imports, and formatting.
- Output ONLY the complete fixed file content. No commentary, no markdown fences.`

const exemplarSnippetLimit = 1500

func fixUserPrompt(path, original string, vulns []analysis.Vulnerability, denialFeedback string, guide *domguidance.Result, exemplars []*dompatterns.FixPattern, maxGuidanceItems int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "File: %s\n\nVulnerabilities to fix:\n", path)
	for _, v := range vulns {
		fmt.Fprintf(&b, "- [%s] %s at line %d: %s", v.Severity, v.Type, v.LineNumber, v.Description)
		if v.CWEID != "" {
			fmt.Fprintf(&b, " (%s)", v.CWEID)
		}
		b.WriteString("\n")
		if v.RecommendedFix != "" {
			fmt.Fprintf(&b, "  Suggested: %s\n", v.RecommendedFix)
		}
	}

	if denialFeedback != "" {
		b.WriteString("\nA previous fix for these findings was DENIED by a human reviewer.\n")
		fmt.Fprintf(&b, "Reviewer feedback:\n%s\n", denialFeedback)
		b.WriteString("The new fix must directly address this feedback.\n")
	}

	if guide != nil {
		if len(guide.RiskFactors) > 0 {
			b.WriteString("\nRisk factors identified for this fix:\n")
			for i, r := range guide.RiskFactors {
				if i >= maxGuidanceItems {
					break
				}
				fmt.Fprintf(&b, "- %s\n", r)
			}
		}
		if len(guide.RecommendedAdjustments) > 0 {
			b.WriteString("\nRecommended adjustments:\n")
			for i, adj := range guide.RecommendedAdjustments {
				if i >= maxGuidanceItems {
					break
				}
				fmt.Fprintf(&b, "- %s\n", adj)
			}
		}
	}

	if len(exemplars) > 0 {
		b.WriteString("\nPreviously approved fixes for similar vulnerabilities:\n")
		for i, p := range exemplars {
			fmt.Fprintf(&b, "\nExample %d (%s, approved %d time(s)):\n", i+1, p.VulnerabilityType, p.SuccessCount)
			fmt.Fprintf(&b, "Description: %s\n", p.FixDescription)
			fmt.Fprintf(&b, "Fixed code:\n%s\n", truncate(p.CodeAfter, exemplarSnippetLimit))
		}
		b.WriteString("\nFollow the approach of these approved examples where applicable.\n")
	}

	fmt.Fprintf(&b, "\nOriginal file content:\n%s\n", original)
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
