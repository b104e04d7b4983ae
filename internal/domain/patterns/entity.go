package patterns

import (
	"path/filepath"
	"time"
)

// FixPattern is an approved fix stored for reuse as a RAG exemplar.
// Identity is the deduplication signature: an equivalent approval bumps
// SuccessCount on the existing row instead of inserting a new one.
type FixPattern struct {
	ID                string    `json:"id"`
	VulnerabilityType string    `json:"vulnerability_type"`
	Severity          string    `json:"severity"`
	FileExtension     string    `json:"file_extension"`
	FilePath          string    `json:"file_path"`
	CodeBefore        string    `json:"code_before"`
	CodeAfter         string    `json:"code_after"`
	FixDescription    string    `json:"fix_description"`
	AnalysisIDs       []string  `json:"analysis_ids"`
	RepoFullName      string    `json:"repo_full_name"`
	SuccessCount      int       `json:"success_count"`
	ApprovedAt        time.Time `json:"approved_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Signature is the dedup key: identical signatures describe the same fix shape.
type Signature struct {
	VulnerabilityType string
	FileExtension     string
	FixDescription    string
}

// Signature derives the dedup key deterministically from the pattern fields.
func (p *FixPattern) Signature() Signature {
	return Signature{
		VulnerabilityType: p.VulnerabilityType,
		FileExtension:     p.FileExtension,
		FixDescription:    p.FixDescription,
	}
}

// ExtensionOf returns the file extension used in pattern signatures.
// Files without an extension group under "unknown".
func ExtensionOf(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return "unknown"
}

// Stats is the aggregate view served by the pattern endpoint.
type Stats struct {
	TotalPatterns int            `json:"total_patterns"`
	ByType        map[string]int `json:"vulnerability_types"`
	ByExtension   map[string]int `json:"file_extensions"`
}
