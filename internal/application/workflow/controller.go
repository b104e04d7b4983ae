package workflow

import (
	"context"
	"fmt"
	"log"

	"github.com/protectsus/protectsus/internal/application"
	appfeedback "github.com/protectsus/protectsus/internal/application/feedback"
	"github.com/protectsus/protectsus/internal/application/fixes"
	apppatterns "github.com/protectsus/protectsus/internal/application/patterns"
	"github.com/protectsus/protectsus/internal/domain/analysis"
	domguidance "github.com/protectsus/protectsus/internal/domain/guidance"
	"github.com/protectsus/protectsus/internal/domain/host"
)

// Outcome reasons. Stable strings: they appear in API responses and logs.
const (
	ReasonUnauthorized     = "unauthorized"
	ReasonAnalysisNotFound = "analysis_not_found"
	ReasonAlreadyMerged    = "already_merged"
	ReasonAlreadyClosed    = "already_closed"
	ReasonHasConflicts     = "has_conflicts"
	ReasonMergeFailed      = "merge_failed"
	ReasonMaxIterations    = "max_iterations"
	ReasonInternalError    = "internal_error"
	ReasonFeedbackReceived = "feedback_received"
	ReasonMerged           = "merged"
)

// Outcome reports the result of a disposition command.
type Outcome struct {
	Success    bool                `json:"success"`
	Reason     string              `json:"reason"`
	Message    string              `json:"message"`
	AnalysisID analysis.AnalysisID `json:"analysis_id,omitempty"`

	// RegeneratePending is set on a successful deny: the caller must
	// enqueue Regenerate for AnalysisID after this outcome is returned.
	RegeneratePending bool `json:"regenerate_pending,omitempty"`
}

// PatternStore records approved fix shapes.
type PatternStore interface {
	Store(ctx context.Context, cmd apppatterns.StoreCommand) (string, error)
}

// FeedbackLedger appends disposition events.
type FeedbackLedger interface {
	Submit(ctx context.Context, cmd appfeedback.SubmitCommand) (string, error)
}

// Guider produces model guidance for regeneration prompts.
type Guider interface {
	Guide(ctx context.Context, a *analysis.Analysis) *domguidance.Result
}

// FeatureExtractor turns denial text into structured features.
type FeatureExtractor interface {
	Extract(ctx context.Context, text string) analysis.FeedbackFeatures
}

// FixGenerator regenerates fixes under guidance.
type FixGenerator interface {
	GenerateWithGuidance(ctx context.Context, vulns []analysis.Vulnerability, files []analysis.CodeFile, denialFeedback string, guide *domguidance.Result) ([]analysis.Fix, error)
}

// Controller drives the approve/deny state machine for published fix PRs.
// Guard order is fixed: authorization, then existence, then state checks.
type Controller struct {
	Analyses  analysis.Repository
	Host      host.Client
	Patterns  PatternStore
	Feedback  FeedbackLedger
	Guidance  Guider
	Extractor FeatureExtractor
	Generator FixGenerator
	Clock     application.Clock

	// MaxIterations caps the refinement chain length (default 3).
	MaxIterations int
}

// HandleApprove merges the fix PR and harvests its patterns.
func (c *Controller) HandleApprove(ctx context.Context, repoFullName string, prNumber int, username string) *Outcome {
	if out := c.authorize(ctx, repoFullName, prNumber, username); out != nil {
		return out
	}

	a, err := c.Analyses.GetByPR(ctx, repoFullName, prNumber)
	if err != nil {
		log.Printf("approve: loading analysis for %s#%d: %v", repoFullName, prNumber, err)
		return &Outcome{Reason: ReasonInternalError, Message: "failed to load analysis"}
	}
	if a == nil {
		c.comment(ctx, repoFullName, prNumber, "No analysis record found for this pull request.")
		return &Outcome{Reason: ReasonAnalysisNotFound, Message: "no analysis for this PR"}
	}

	// Idempotent: a second /approve on a merged fix is a no-op success.
	if a.Merged {
		return &Outcome{Success: true, Reason: ReasonAlreadyMerged, Message: "fix already merged", AnalysisID: a.ID}
	}

	pr, err := c.Host.GetPullRequest(ctx, repoFullName, prNumber)
	if err != nil {
		log.Printf("approve: fetching PR %s#%d: %v", repoFullName, prNumber, err)
		return &Outcome{Reason: ReasonInternalError, Message: "failed to fetch pull request", AnalysisID: a.ID}
	}
	if pr.Merged {
		return &Outcome{Success: true, Reason: ReasonAlreadyMerged, Message: "pull request already merged", AnalysisID: a.ID}
	}
	if pr.State == "closed" {
		c.comment(ctx, repoFullName, prNumber, "This pull request is closed and cannot be merged.")
		return &Outcome{Reason: ReasonAlreadyClosed, Message: "pull request is closed", AnalysisID: a.ID}
	}

	status, err := c.Host.CheckMergeable(ctx, repoFullName, prNumber)
	if err != nil {
		log.Printf("approve: mergeability check %s#%d: %v", repoFullName, prNumber, err)
		return &Outcome{Reason: ReasonInternalError, Message: "failed to check mergeability", AnalysisID: a.ID}
	}
	if status.HasConflicts || !status.Mergeable {
		c.comment(ctx, repoFullName, prNumber, "Cannot merge: the pull request has conflicts. Resolve them and approve again.")
		return &Outcome{Reason: ReasonHasConflicts, Message: "pull request has merge conflicts", AnalysisID: a.ID}
	}

	res, err := c.Host.MergePullRequest(ctx, repoFullName, prNumber,
		fmt.Sprintf("Security fixes (analysis %s)", a.ID),
		fmt.Sprintf("Approved by @%s", username))
	if err != nil {
		log.Printf("approve: merge %s#%d: %v", repoFullName, prNumber, err)
		c.comment(ctx, repoFullName, prNumber, "Merge failed. Check the pull request status and try again.")
		return &Outcome{Reason: ReasonMergeFailed, Message: "merge failed", AnalysisID: a.ID}
	}

	now := c.Clock.Now()
	a.Disposition = analysis.DispositionApproved
	a.ApprovedBy = username
	a.ApprovedAt = &now
	a.Merged = true
	a.MergeSHA = res.SHA
	if err := c.Analyses.Save(ctx, a); err != nil {
		log.Printf("approve: persisting approval of %s: %v", a.ID, err)
	}

	c.harvestPatterns(ctx, a)

	if _, err := c.Feedback.Submit(ctx, appfeedback.SubmitCommand{
		AnalysisID:   a.ID,
		Approved:     true,
		FeedbackText: fmt.Sprintf("Approved and merged by %s", username),
	}); err != nil {
		log.Printf("approve: recording feedback for %s: %v", a.ID, err)
	}

	c.comment(ctx, repoFullName, prNumber,
		fmt.Sprintf("Merged by @%s. The approved fixes were added to the pattern library.", username))
	return &Outcome{Success: true, Reason: ReasonMerged, Message: "pull request merged", AnalysisID: a.ID}
}

// HandleDeny records the denial and, below the iteration cap, marks the
// analysis for regeneration. The caller enqueues the regeneration job after
// the denial is persisted, never before.
func (c *Controller) HandleDeny(ctx context.Context, repoFullName string, prNumber int, username, feedbackText string) *Outcome {
	if out := c.authorize(ctx, repoFullName, prNumber, username); out != nil {
		return out
	}

	a, err := c.Analyses.GetByPR(ctx, repoFullName, prNumber)
	if err != nil {
		log.Printf("deny: loading analysis for %s#%d: %v", repoFullName, prNumber, err)
		return &Outcome{Reason: ReasonInternalError, Message: "failed to load analysis"}
	}
	if a == nil {
		c.comment(ctx, repoFullName, prNumber, "No analysis record found for this pull request.")
		return &Outcome{Reason: ReasonAnalysisNotFound, Message: "no analysis for this PR"}
	}

	// The cap is a hard guard: a capped deny is terminal and records nothing,
	// not even the feedback.
	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = 3
	}
	if a.IterationNumber >= maxIter {
		c.comment(ctx, repoFullName, prNumber,
			fmt.Sprintf("The maximum of %d fix iterations has been reached; no further automatic fix will be generated.", maxIter))
		return &Outcome{Reason: ReasonMaxIterations, Message: "maximum fix iterations reached", AnalysisID: a.ID}
	}

	features := c.Extractor.Extract(ctx, feedbackText)

	now := c.Clock.Now()
	a.Disposition = analysis.DispositionDenied
	a.DeniedBy = username
	a.DeniedAt = &now
	a.FeedbackFeatures = &features
	if feedbackText != "" {
		a.DenialReasons = append(a.DenialReasons, feedbackText)
	}
	if err := c.Analyses.Save(ctx, a); err != nil {
		log.Printf("deny: persisting denial of %s: %v", a.ID, err)
		return &Outcome{Reason: ReasonInternalError, Message: "failed to record denial", AnalysisID: a.ID}
	}

	if _, err := c.Feedback.Submit(ctx, appfeedback.SubmitCommand{
		AnalysisID:   a.ID,
		Approved:     false,
		FeedbackText: feedbackText,
	}); err != nil {
		log.Printf("deny: recording feedback for %s: %v", a.ID, err)
	}

	c.comment(ctx, repoFullName, prNumber,
		"Feedback received. A revised fix incorporating your feedback is being generated.")
	return &Outcome{
		Success:           true,
		Reason:            ReasonFeedbackReceived,
		Message:           "denial recorded, regenerating fix",
		AnalysisID:        a.ID,
		RegeneratePending: true,
	}
}

// Regenerate produces the next refinement iteration from a denied analysis:
// a child record, guided fixes, and a replacement PR. The new PR is created
// before the denied one is closed so reviewers are never left without an
// open fix.
func (c *Controller) Regenerate(ctx context.Context, deniedID analysis.AnalysisID) (analysis.AnalysisID, error) {
	parent, err := c.Analyses.Get(ctx, deniedID)
	if err != nil {
		return "", fmt.Errorf("loading denied analysis %s: %w", deniedID, err)
	}
	if parent == nil {
		return "", fmt.Errorf("denied analysis %s not found", deniedID)
	}

	guide := c.Guidance.Guide(ctx, parent)

	denialText := ""
	if n := len(parent.DenialReasons); n > 0 {
		denialText = parent.DenialReasons[n-1]
	}

	child := &analysis.Analysis{
		ID:               analysis.AnalysisID(application.NewID("analysis")),
		RepoFullName:     parent.RepoFullName,
		CommitSHA:        parent.CommitSHA,
		Status:           analysis.StatusInProgress,
		Vulnerabilities:  parent.Vulnerabilities,
		DependencyRisks:  parent.DependencyRisks,
		CodeFiles:        parent.CodeFiles,
		Summary:          parent.Summary,
		TriggerPRNumber:  parent.TriggerPRNumber,
		ParentAnalysisID: parent.ID,
		IterationNumber:  parent.IterationNumber + 1,
		DenialReasons:    append([]string(nil), parent.DenialReasons...),
		FeedbackFeatures: parent.FeedbackFeatures,
		GuidanceApplied:  true,
		CreatedAt:        c.Clock.Now(),
	}
	if parent.PRNumber > 0 {
		child.PreviousPRNumbers = append(append([]int(nil), parent.PreviousPRNumbers...), parent.PRNumber)
	}
	if err := c.Analyses.Save(ctx, child); err != nil {
		return "", fmt.Errorf("persisting regeneration record: %w", err)
	}

	newFixes, err := c.Generator.GenerateWithGuidance(ctx, parent.Vulnerabilities, parent.CodeFiles, denialText, guide)
	if err != nil || len(newFixes) == 0 {
		child.Status = analysis.StatusFailed
		if saveErr := c.Analyses.Save(ctx, child); saveErr != nil {
			log.Printf("regenerate: persisting failed child %s: %v", child.ID, saveErr)
		}
		if err == nil {
			err = fmt.Errorf("no fixes produced")
		}
		return child.ID, fmt.Errorf("regenerating fixes for %s: %w", parent.ID, err)
	}
	child.Fixes = newFixes

	title := fmt.Sprintf("Security fixes for %s (revised, iteration %d)", shortSHA(parent.CommitSHA), child.IterationNumber)
	created, err := c.Host.CreateFixPR(ctx, child.RepoFullName, child.CommitSHA, child.Fixes, title, fixes.BuildPRBody(child))
	if err != nil {
		child.Status = analysis.StatusFailed
		if saveErr := c.Analyses.Save(ctx, child); saveErr != nil {
			log.Printf("regenerate: persisting failed child %s: %v", child.ID, saveErr)
		}
		return child.ID, fmt.Errorf("opening replacement PR for %s: %w", parent.ID, err)
	}
	child.PRNumber = created.Number
	child.PRURL = created.URL

	// Replacement is open; closing the denied PR is best effort.
	if parent.PRNumber > 0 {
		c.comment(ctx, parent.RepoFullName, parent.PRNumber,
			fmt.Sprintf("A revised fix is available in %s.", created.URL))
		if err := c.Host.ClosePullRequest(ctx, parent.RepoFullName, parent.PRNumber); err != nil {
			log.Printf("regenerate: closing denied PR %s#%d: %v", parent.RepoFullName, parent.PRNumber, err)
		}
	}

	now := c.Clock.Now()
	child.Status = analysis.StatusCompleted
	child.CompletedAt = &now
	if err := c.Analyses.Save(ctx, child); err != nil {
		return child.ID, fmt.Errorf("persisting regenerated analysis %s: %w", child.ID, err)
	}

	log.Printf("regenerated analysis %s (iteration %d) for denied %s, PR #%d", child.ID, child.IterationNumber, parent.ID, created.Number)
	return child.ID, nil
}

func (c *Controller) authorize(ctx context.Context, repoFullName string, prNumber int, username string) *Outcome {
	ok, err := c.Host.IsCollaborator(ctx, repoFullName, username)
	if err != nil {
		log.Printf("collaborator check for %s on %s: %v", username, repoFullName, err)
		return &Outcome{Reason: ReasonInternalError, Message: "authorization check failed"}
	}
	if !ok {
		c.comment(ctx, repoFullName, prNumber,
			fmt.Sprintf("@%s is not a collaborator on this repository and cannot approve or deny fixes.", username))
		return &Outcome{Reason: ReasonUnauthorized, Message: "user is not a repository collaborator"}
	}
	return nil
}

// harvestPatterns stores one pattern per (vulnerability, fix) pair, matched
// by file path. Failures are logged; an approval never fails on harvesting.
func (c *Controller) harvestPatterns(ctx context.Context, a *analysis.Analysis) {
	byFile := make(map[string]analysis.Fix, len(a.Fixes))
	for _, f := range a.Fixes {
		byFile[f.FilePath] = f
	}
	for _, v := range a.Vulnerabilities {
		fix, ok := byFile[v.FilePath]
		if !ok {
			continue
		}
		if _, err := c.Patterns.Store(ctx, apppatterns.StoreCommand{
			AnalysisID:        string(a.ID),
			VulnerabilityType: v.Type,
			Severity:          v.Severity,
			FilePath:          v.FilePath,
			CodeBefore:        fix.OriginalContent,
			CodeAfter:         fix.FixedContent,
			FixDescription:    fix.Description,
			RepoFullName:      a.RepoFullName,
		}); err != nil {
			log.Printf("storing pattern for %s in %s: %v", v.Type, v.FilePath, err)
		}
	}
}

func (c *Controller) comment(ctx context.Context, repoFullName string, prNumber int, body string) {
	if err := c.Host.AddComment(ctx, repoFullName, prNumber, body); err != nil {
		log.Printf("posting comment on %s#%d: %v", repoFullName, prNumber, err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
