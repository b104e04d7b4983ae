package feedback

import (
	"time"

	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// Record is one human disposition event on a published fix. Records are the
// training ledger for the guidance model and are never deleted.
type Record struct {
	ID                string              `json:"id"`
	AnalysisID        analysis.AnalysisID `json:"analysis_id"`
	Approved          bool                `json:"approved"`
	FeedbackText      string              `json:"feedback_text,omitempty"`
	HelpfulFindings   []string            `json:"helpful_findings,omitempty"`
	UnhelpfulFindings []string            `json:"unhelpful_findings,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Stats is the aggregate view served by the feedback endpoint.
type Stats struct {
	TotalFeedback int       `json:"total_feedback"`
	ApprovedCount int       `json:"approved_count"`
	RejectedCount int       `json:"rejected_count"`
	ApprovalRate  float64   `json:"approval_rate"`
	Recent        []*Record `json:"recent_feedback"`
}
