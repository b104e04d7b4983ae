package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/protectsus/protectsus/internal/application"
	"github.com/protectsus/protectsus/internal/domain/ai"
	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// State carries partial results through the detection stages. Each stage
// appends its findings and its audit entry; errors are captured per stage
// so one failed stage never aborts the run.
type State struct {
	Code            string
	Context         map[string]string
	Vulnerabilities []analysis.Vulnerability
	DependencyRisks []analysis.DependencyRisk
	AgentAnalyses   []analysis.AgentAnalysis
	Summary         string
	TotalTokensUsed int
	Errors          []string
}

// Result is the orchestrator output returned to the caller.
type Result struct {
	Vulnerabilities    []analysis.Vulnerability
	DependencyRisks    []analysis.DependencyRisk
	AgentAnalyses      []analysis.AgentAnalysis
	Summary            string
	TotalExecutionTime float64
	TotalTokensUsed    int
	Errors             []string
}

type stage struct {
	name string
	run  func(ctx context.Context, st *State) error
}

// Service runs the fixed two-stage detection pipeline. No retries here:
// retries belong to the caller (the job runner).
type Service struct {
	AI    ai.Client
	Clock application.Clock
}

func NewService(client ai.Client, clock application.Clock) *Service {
	return &Service{AI: client, Clock: clock}
}

// Run executes vulnerability detection then the dependency audit, each
// independently fallible, and aggregates whatever partial results exist.
func (s *Service) Run(ctx context.Context, code string, meta map[string]string) (*Result, error) {
	start := s.Clock.Now()

	st := &State{Code: code, Context: meta}

	stages := []stage{
		{name: "vulnerability_detection", run: s.runVulnerabilityStage},
		{name: "dependency_audit", run: s.runDependencyStage},
	}
	for _, sg := range stages {
		if err := sg.run(ctx, st); err != nil {
			log.Printf("orchestrator stage %s failed: %v", sg.name, err)
			st.Errors = append(st.Errors, fmt.Sprintf("%s: %v", sg.name, err))
		}
	}

	st.Summary = Summarize(st.Vulnerabilities, st.DependencyRisks)

	return &Result{
		Vulnerabilities:    st.Vulnerabilities,
		DependencyRisks:    st.DependencyRisks,
		AgentAnalyses:      st.AgentAnalyses,
		Summary:            st.Summary,
		TotalExecutionTime: s.Clock.Now().Sub(start).Seconds(),
		TotalTokensUsed:    st.TotalTokensUsed,
		Errors:             st.Errors,
	}, nil
}

func (s *Service) runVulnerabilityStage(ctx context.Context, st *State) error {
	start := s.Clock.Now()
	resp, err := s.AI.Complete(ctx, vulnerabilitySystemPrompt, vulnerabilityUserPrompt(st.Code, st.Context))
	if err != nil {
		return err
	}
	st.Vulnerabilities = ParseVulnerabilities(resp)
	st.AgentAnalyses = append(st.AgentAnalyses, analysis.AgentAnalysis{
		AgentName:     "VulnerabilityAgent",
		FindingCount:  len(st.Vulnerabilities),
		ExecutionTime: s.Clock.Now().Sub(start).Seconds(),
	})
	return nil
}

func (s *Service) runDependencyStage(ctx context.Context, st *State) error {
	deps := extractDependencyFiles(st.Code)
	if deps == "" {
		st.AgentAnalyses = append(st.AgentAnalyses, analysis.AgentAnalysis{
			AgentName: "DependencyAgent",
		})
		return nil
	}

	start := s.Clock.Now()
	resp, err := s.AI.Complete(ctx, dependencySystemPrompt, dependencyUserPrompt(deps))
	if err != nil {
		return err
	}
	st.DependencyRisks = ParseDependencyRisks(resp)
	st.AgentAnalyses = append(st.AgentAnalyses, analysis.AgentAnalysis{
		AgentName:     "DependencyAgent",
		FindingCount:  len(st.DependencyRisks),
		ExecutionTime: s.Clock.Now().Sub(start).Seconds(),
	})
	return nil
}

// Summarize builds the deterministic natural-language summary: severity
// counts in fixed order, then dependency-risk count, concatenated into a
// fixed template. Pure function over the two result slices.
func Summarize(vulns []analysis.Vulnerability, deps []analysis.DependencyRisk) string {
	parts := []string{"Security analysis complete."}

	if len(vulns) == 0 {
		parts = append(parts, "No vulnerabilities found.")
	} else {
		counts := map[string]int{}
		for _, v := range vulns {
			counts[v.Severity]++
		}
		var sevParts []string
		for _, sev := range []string{"critical", "high", "medium", "low"} {
			if counts[sev] > 0 {
				sevParts = append(sevParts, fmt.Sprintf("%d %s", counts[sev], sev))
			}
		}
		line := fmt.Sprintf("Found %d vulnerabilities", len(vulns))
		if len(sevParts) > 0 {
			line += fmt.Sprintf(" (%s)", strings.Join(sevParts, ", "))
		}
		parts = append(parts, line+".")
	}

	if len(deps) > 0 {
		parts = append(parts, fmt.Sprintf("Found %d dependency risks.", len(deps)))
	}

	return strings.Join(parts, " ")
}

// extractDependencyFiles pulls manifest files out of the flattened code
// corpus. The corpus marks file boundaries with "// FILE: <path>" lines.
func extractDependencyFiles(code string) string {
	manifests := []string{
		"requirements.txt", "package.json", "package-lock.json",
		"pom.xml", "build.gradle", "cargo.toml", "go.mod",
		"gemfile", "composer.json", "pipfile",
	}

	var out []string
	var current []string
	currentFile := ""

	flush := func() {
		if currentFile != "" && len(current) > 0 {
			out = append(out, "// "+currentFile+"\n"+strings.Join(current, "\n"))
		}
		current = nil
	}

	for _, line := range strings.Split(code, "\n") {
		if strings.HasPrefix(line, "// FILE:") {
			flush()
			path := strings.TrimSpace(strings.TrimPrefix(line, "// FILE:"))
			currentFile = ""
			lower := strings.ToLower(path)
			for _, m := range manifests {
				if strings.Contains(lower, m) {
					currentFile = path
					break
				}
			}
			continue
		}
		if currentFile != "" {
			current = append(current, line)
		}
	}
	flush()

	return strings.Join(out, "\n\n")
}

// FlattenCodeFiles renders code files into the corpus format the detection
// prompts and the dependency extractor expect.
func FlattenCodeFiles(files []analysis.CodeFile) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("// FILE: " + f.Path + "\n")
		b.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
