package analysis

import (
	"time"
)

// AnalysisID identifier type
type AnalysisID string

// Status enum for the detection/fix lifecycle of one analysis record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Disposition is the human decision on a published fix PR.
// It is distinct from Status: a completed analysis may still be undecided.
type Disposition string

const (
	DispositionUnset    Disposition = ""
	DispositionApproved Disposition = "approved"
	DispositionDenied   Disposition = "denied"
)

// Vulnerability is a single detection finding. Immutable once attached.
type Vulnerability struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"` // critical | high | medium | low
	FilePath       string `json:"file_path"`
	LineNumber     int    `json:"line_number"`
	Description    string `json:"description"`
	CWEID          string `json:"cwe_id,omitempty"`
	RecommendedFix string `json:"recommended_fix,omitempty"`
}

// DependencyRisk is a finding from the dependency audit stage.
type DependencyRisk struct {
	PackageName     string   `json:"package_name"`
	Version         string   `json:"version"`
	RiskLevel       string   `json:"risk_level"` // critical | high | medium | low
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
	Outdated        bool     `json:"outdated"`
	LatestVersion   string   `json:"latest_version,omitempty"`
}

// AgentAnalysis records one detection stage run for auditing.
type AgentAnalysis struct {
	AgentName     string  `json:"agent_name"`
	FindingCount  int     `json:"finding_count"`
	ExecutionTime float64 `json:"execution_time"` // seconds
	TokensUsed    int     `json:"tokens_used"`
}

// Fix is one proposed patch, one per affected file per iteration.
type Fix struct {
	FilePath           string   `json:"file_path"`
	OriginalContent    string   `json:"original_content"`
	FixedContent       string   `json:"fixed_content"`
	Description        string   `json:"description"`
	VulnerabilityTypes []string `json:"vulnerability_types"`
	GuidanceApplied    bool     `json:"guidance_applied"`
	RAGApplied         bool     `json:"rag_applied"`
}

// CodeFile is an original source file fetched for analysis. Kept on the
// record so denial regeneration does not re-fetch the repository.
type CodeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FeedbackFeatures is the structured signal extracted from a denial comment.
type FeedbackFeatures struct {
	IdentifiedIssues       []string `json:"identified_issues"`
	RequestedChanges       []string `json:"requested_changes"`
	FalsePositiveFlags     []string `json:"false_positive_flags"`
	BreakingChangeConcerns bool     `json:"breaking_change_concerns"`
	Sentiment              string   `json:"sentiment"` // negative | neutral | positive
	SpecificityScore       float64  `json:"specificity_score"`
}

// Aggregate Root: Analysis. One detection-and-fix cycle; refinement
// iterations chain via ParentAnalysisID. Numbering starts at 1 for the
// initial record. Records are append-only: denial creates a child with
// IterationNumber+1, it never rewrites history.
type Analysis struct {
	ID           AnalysisID `json:"id"`
	RepoFullName string     `json:"repo_full_name"`
	CommitSHA    string     `json:"commit_sha"`
	Status       Status     `json:"status"`

	Vulnerabilities []Vulnerability  `json:"vulnerabilities"`
	DependencyRisks []DependencyRisk `json:"dependency_risks"`
	AgentAnalyses   []AgentAnalysis  `json:"agent_analyses,omitempty"`
	Fixes           []Fix            `json:"fixes,omitempty"`
	CodeFiles       []CodeFile       `json:"code_files,omitempty"`
	Summary         string           `json:"summary,omitempty"`

	TotalExecutionTime float64 `json:"total_execution_time"`
	TotalTokensUsed    int     `json:"total_tokens_used"`

	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`

	// TriggerPRNumber is the pull request whose push event started this
	// analysis, when the trigger was a PR rather than a branch push.
	TriggerPRNumber int `json:"trigger_pr_number,omitempty"`

	ParentAnalysisID  AnalysisID        `json:"parent_analysis_id,omitempty"`
	IterationNumber   int               `json:"iteration_number"`
	PreviousPRNumbers []int             `json:"previous_pr_numbers,omitempty"`
	DenialReasons     []string          `json:"denial_reasons,omitempty"`
	FeedbackFeatures  *FeedbackFeatures `json:"feedback_features,omitempty"`
	GuidanceApplied   bool              `json:"guidance_applied"`

	Disposition Disposition `json:"disposition,omitempty"`
	ApprovedBy  string      `json:"approved_by,omitempty"`
	DeniedBy    string      `json:"denied_by,omitempty"`
	ApprovedAt  *time.Time  `json:"approved_at,omitempty"`
	DeniedAt    *time.Time  `json:"denied_at,omitempty"`
	Merged      bool        `json:"merged,omitempty"`
	MergeSHA    string      `json:"merge_sha,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SeverityCounts tallies vulnerabilities by severity in fixed order.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// CountBySeverity returns the severity tally for the attached findings.
func (a *Analysis) CountBySeverity() SeverityCounts {
	var c SeverityCounts
	for _, v := range a.Vulnerabilities {
		switch v.Severity {
		case "critical":
			c.Critical++
		case "high":
			c.High++
		case "medium":
			c.Medium++
		case "low":
			c.Low++
		}
	}
	c.Total = c.Critical + c.High + c.Medium + c.Low
	return c
}
