package orchestrator

import (
	"fmt"
	"strings"
)

const vulnerabilitySystemPrompt = `You are a senior application security analyst reviewing source code for vulnerabilities (injection, XSS, insecure deserialization, hardcoded secrets, path traversal, SSRF, broken access control, and similar).

Report every finding using this exact line-prefixed format, one block per finding:

FILE: <path of the affected file>
LINE: <line number>
TYPE: <vulnerability type, e.g. SQL_INJECTION>
SEVERITY: <critical|high|medium|low>
DESCRIPTION: <one-line description>
CWE: <CWE identifier if known>
FIX: <one-line recommended fix>

Rules:
- Start every finding with the FILE: line.
- Keep each field on its own line.
- If there are no findings, output exactly: NO VULNERABILITIES FOUND`

func vulnerabilityUserPrompt(code string, meta map[string]string) string {
	var b strings.Builder
	b.WriteString("Analyze the following code for security vulnerabilities.\n")
	if repo := meta["repo"]; repo != "" {
		b.WriteString("Repository: " + repo + "\n")
	}
	if commit := meta["commit"]; commit != "" {
		b.WriteString("Commit: " + commit + "\n")
	}
	b.WriteString("\nCode (file boundaries marked with \"// FILE:\"):\n\n")
	b.WriteString(code)
	return b.String()
}

const dependencySystemPrompt = `You are a dependency management and supply-chain security specialist. Audit the given dependency manifests for build-breaking problems, known CVEs, typosquatting, unmaintained packages, and compatibility risks.

Report every issue using this exact line-prefixed format, one block per issue:

PACKAGE: <exact package name>
VERSION: <declared version or range>
LATEST: <latest stable version>
RISK_LEVEL: <critical|high|medium|low>
VULNERABILITIES: <CVE ids or short descriptions, comma-separated>
OUTDATED: <yes|no>

Rules:
- Start every issue with the PACKAGE: line.
- Check every dependency listed, not a sample.
- If there are no issues, output exactly: NO DEPENDENCY ISSUES FOUND`

func dependencyUserPrompt(manifests string) string {
	return fmt.Sprintf("Audit these dependency files and report issues in the specified format:\n\n%s", manifests)
}
