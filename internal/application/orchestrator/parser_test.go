package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVulnerabilities(t *testing.T) {
	response := `Here are the findings:

FILE: api/login.py
LINE: 42
SEVERITY: Critical
TYPE: sql_injection
DESCRIPTION: User input concatenated into query
CWE: CWE-89
FIX: Use parameterized queries

FILE: web/render.js
LINE: 7
SEVERITY: medium
TYPE: xss
DESCRIPTION: Unescaped template variable
`
	vulns := ParseVulnerabilities(response)
	require.Len(t, vulns, 2)

	assert.Equal(t, "api/login.py", vulns[0].FilePath)
	assert.Equal(t, 42, vulns[0].LineNumber)
	assert.Equal(t, "critical", vulns[0].Severity, "severity is lowercased")
	assert.Equal(t, "sql_injection", vulns[0].Type)
	assert.Equal(t, "CWE-89", vulns[0].CWEID)
	assert.Equal(t, "Use parameterized queries", vulns[0].RecommendedFix)

	assert.Equal(t, "web/render.js", vulns[1].FilePath)
	assert.Equal(t, "xss", vulns[1].Type)
}

func TestParseVulnerabilitiesMalformedLinesIgnored(t *testing.T) {
	response := `FILE: a.py
LINE: not-a-number
SEVERITY:
TYPE: path_traversal
garbage line with no prefix
DESCRIPTION: reads arbitrary paths`
	vulns := ParseVulnerabilities(response)
	require.Len(t, vulns, 1)
	assert.Zero(t, vulns[0].LineNumber)
	assert.Equal(t, "low", vulns[0].Severity, "missing severity defaults to low")
	assert.Equal(t, "path_traversal", vulns[0].Type)
}

func TestParseVulnerabilitiesEmptyAndPreambleOnly(t *testing.T) {
	assert.Empty(t, ParseVulnerabilities(""))
	assert.Empty(t, ParseVulnerabilities("No vulnerabilities found.\nLINE: 3\nTYPE: xss"))
}

func TestParseDependencyRisks(t *testing.T) {
	response := `PACKAGE: requests
VERSION: 2.19.0
LATEST: 2.32.0
RISK_LEVEL: High
VULNERABILITIES: CVE-2018-18074, CVE-2023-32681
OUTDATED: yes

PACKAGE: flask
VERSION: 3.0.0
OUTDATED: no
`
	risks := ParseDependencyRisks(response)
	require.Len(t, risks, 2)

	assert.Equal(t, "requests", risks[0].PackageName)
	assert.Equal(t, "2.19.0", risks[0].Version)
	assert.Equal(t, "2.32.0", risks[0].LatestVersion)
	assert.Equal(t, "high", risks[0].RiskLevel)
	assert.Equal(t, []string{"CVE-2018-18074", "CVE-2023-32681"}, risks[0].Vulnerabilities)
	assert.True(t, risks[0].Outdated)

	assert.Equal(t, "flask", risks[1].PackageName)
	assert.Equal(t, "low", risks[1].RiskLevel, "missing risk level defaults to low")
	assert.False(t, risks[1].Outdated)
}
