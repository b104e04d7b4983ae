package fixes

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/protectsus/protectsus/internal/domain/ai"
	"github.com/protectsus/protectsus/internal/domain/analysis"
	domguidance "github.com/protectsus/protectsus/internal/domain/guidance"
	dompatterns "github.com/protectsus/protectsus/internal/domain/patterns"
)

// PatternFinder supplies approved fix exemplars for the RAG context block.
type PatternFinder interface {
	Similar(ctx context.Context, vulnType, fileExtension, severity string, limit int) ([]*dompatterns.FixPattern, error)
}

// Generator turns detection findings into per-file fixes via the LLM.
type Generator struct {
	AI       ai.Client
	Patterns PatternFinder

	// RAGLimit caps exemplars injected per generation (default 3).
	RAGLimit int
	// MaxGuidanceItems caps risk factors and adjustments in the prompt (default 5).
	MaxGuidanceItems int
}

func NewGenerator(client ai.Client, patterns PatternFinder, ragLimit, maxGuidanceItems int) *Generator {
	if ragLimit <= 0 {
		ragLimit = 3
	}
	if maxGuidanceItems <= 0 {
		maxGuidanceItems = 5
	}
	return &Generator{AI: client, Patterns: patterns, RAGLimit: ragLimit, MaxGuidanceItems: maxGuidanceItems}
}

// Generate produces one Fix per affected file for the initial iteration.
// Vulnerabilities whose file is absent from the fetched set are skipped with
// a warning; one bad file never aborts the rest.
func (g *Generator) Generate(ctx context.Context, vulns []analysis.Vulnerability, files []analysis.CodeFile) ([]analysis.Fix, error) {
	return g.generate(ctx, vulns, files, "", nil, nil)
}

// GenerateWithGuidance is the regeneration path: denial feedback, model
// guidance, and approved-pattern exemplars all shape the prompt. The
// returned fixes carry flags recording which inputs were actually applied.
func (g *Generator) GenerateWithGuidance(ctx context.Context, vulns []analysis.Vulnerability, files []analysis.CodeFile, denialFeedback string, guide *domguidance.Result) ([]analysis.Fix, error) {
	return g.generate(ctx, vulns, files, denialFeedback, guide, g.Patterns)
}

func (g *Generator) generate(ctx context.Context, vulns []analysis.Vulnerability, files []analysis.CodeFile, denialFeedback string, guide *domguidance.Result, finder PatternFinder) ([]analysis.Fix, error) {
	byFile := groupByFile(vulns)
	contents := make(map[string]string, len(files))
	for _, f := range files {
		contents[f.Path] = f.Content
	}

	var fixes []analysis.Fix
	for _, path := range sortedKeys(byFile) {
		fileVulns := byFile[path]
		original, ok := contents[path]
		if !ok {
			log.Printf("skipping fix for %s: file not in fetched set", path)
			continue
		}

		exemplars := g.fetchExemplars(ctx, finder, fileVulns, path)

		prompt := fixUserPrompt(path, original, fileVulns, denialFeedback, guide, exemplars, g.MaxGuidanceItems)
		raw, err := g.AI.Complete(ctx, fixSystemPrompt, prompt)
		if err != nil {
			// A failed file never aborts the run; partial fix sets are valid.
			log.Printf("generating fix for %s failed, skipping: %v", path, err)
			continue
		}

		fixed := StripCodeFences(raw)
		if strings.TrimSpace(fixed) == "" {
			log.Printf("empty fix output for %s, skipping", path)
			continue
		}

		fixes = append(fixes, analysis.Fix{
			FilePath:           path,
			OriginalContent:    original,
			FixedContent:       fixed,
			Description:        describeFix(fileVulns),
			VulnerabilityTypes: vulnTypes(fileVulns),
			GuidanceApplied:    guide != nil || denialFeedback != "",
			RAGApplied:         len(exemplars) > 0,
		})
	}
	return fixes, nil
}

func (g *Generator) fetchExemplars(ctx context.Context, finder PatternFinder, fileVulns []analysis.Vulnerability, path string) []*dompatterns.FixPattern {
	if finder == nil || len(fileVulns) == 0 {
		return nil
	}
	ext := dompatterns.ExtensionOf(path)
	seen := make(map[string]bool)
	var out []*dompatterns.FixPattern
	for _, v := range fileVulns {
		if len(out) >= g.RAGLimit {
			break
		}
		found, err := finder.Similar(ctx, v.Type, ext, "", g.RAGLimit-len(out))
		if err != nil {
			log.Printf("pattern lookup for %s/%s failed: %v", v.Type, ext, err)
			continue
		}
		for _, p := range found {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
			if len(out) >= g.RAGLimit {
				break
			}
		}
	}
	return out
}

// BuildPRBody renders the fix PR description posted to the host.
func BuildPRBody(a *analysis.Analysis) string {
	var b strings.Builder
	b.WriteString("## Automated Security Fixes\n\n")
	if a.IterationNumber > 1 {
		fmt.Fprintf(&b, "Refined fix, iteration %d. Previous attempt was denied with feedback that has been incorporated.\n\n", a.IterationNumber)
	}
	counts := a.CountBySeverity()
	fmt.Fprintf(&b, "Addresses %d finding(s): %d critical, %d high, %d medium, %d low.\n\n",
		counts.Total, counts.Critical, counts.High, counts.Medium, counts.Low)

	b.WriteString("### Changed files\n")
	for _, f := range a.Fixes {
		fmt.Fprintf(&b, "- `%s` — %s\n", f.FilePath, f.Description)
	}
	b.WriteString("\n---\n")
	fmt.Fprintf(&b, "Reply `/approve` to merge or `/deny - \"reason\"` to request a revised fix.\n")
	fmt.Fprintf(&b, "\nAnalysis: `%s`\n", a.ID)
	return b.String()
}

// StripCodeFences removes a surrounding markdown code fence, if present.
// The fence language tag is discarded.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		return ""
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimRight(trimmed, "\n")
}

func groupByFile(vulns []analysis.Vulnerability) map[string][]analysis.Vulnerability {
	out := make(map[string][]analysis.Vulnerability)
	for _, v := range vulns {
		if v.FilePath == "" {
			continue
		}
		out[v.FilePath] = append(out[v.FilePath], v)
	}
	return out
}

func sortedKeys(m map[string][]analysis.Vulnerability) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic generation order
	return keys
}

func describeFix(vulns []analysis.Vulnerability) string {
	types := vulnTypes(vulns)
	return fmt.Sprintf("Fix %s", strings.Join(types, ", "))
}

func vulnTypes(vulns []analysis.Vulnerability) []string {
	seen := make(map[string]bool)
	var types []string
	for _, v := range vulns {
		if v.Type == "" || seen[v.Type] {
			continue
		}
		seen[v.Type] = true
		types = append(types, v.Type)
	}
	return types
}
