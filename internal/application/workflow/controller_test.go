package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectsus/protectsus/internal/application"
	appfeedback "github.com/protectsus/protectsus/internal/application/feedback"
	apppatterns "github.com/protectsus/protectsus/internal/application/patterns"
	"github.com/protectsus/protectsus/internal/domain/analysis"
	domguidance "github.com/protectsus/protectsus/internal/domain/guidance"
	"github.com/protectsus/protectsus/internal/domain/host"
)

type fakeAnalysisRepo struct {
	byID map[analysis.AnalysisID]*analysis.Analysis
}

func newFakeAnalysisRepo(list ...*analysis.Analysis) *fakeAnalysisRepo {
	r := &fakeAnalysisRepo{byID: map[analysis.AnalysisID]*analysis.Analysis{}}
	for _, a := range list {
		r.byID[a.ID] = a
	}
	return r
}

func (r *fakeAnalysisRepo) Save(_ context.Context, a *analysis.Analysis) error {
	r.byID[a.ID] = a
	return nil
}

func (r *fakeAnalysisRepo) Get(_ context.Context, id analysis.AnalysisID) (*analysis.Analysis, error) {
	return r.byID[id], nil
}

func (r *fakeAnalysisRepo) GetByPR(_ context.Context, repo string, prNumber int) (*analysis.Analysis, error) {
	for _, a := range r.byID {
		if a.RepoFullName == repo && a.PRNumber == prNumber {
			return a, nil
		}
	}
	return nil, nil
}

func (r *fakeAnalysisRepo) FindByRepoCommit(_ context.Context, repo, sha string) (*analysis.Analysis, error) {
	for _, a := range r.byID {
		if a.RepoFullName == repo && a.CommitSHA == sha && a.IterationNumber == 1 {
			return a, nil
		}
	}
	return nil, nil
}

func (r *fakeAnalysisRepo) LatestByRepo(_ context.Context, repo string, limit int) ([]*analysis.Analysis, error) {
	var out []*analysis.Analysis
	for _, a := range r.byID {
		if a.RepoFullName == repo {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeHost struct {
	collaborators map[string]bool
	prs           map[int]*host.PullRequest
	mergeStatus   host.MergeStatus
	mergeErr      error
	createdPR     host.CreatedPR

	ops      []string
	comments []string
}

func (h *fakeHost) IsCollaborator(_ context.Context, _ string, username string) (bool, error) {
	return h.collaborators[username], nil
}

func (h *fakeHost) GetPullRequest(_ context.Context, _ string, number int) (*host.PullRequest, error) {
	if pr, ok := h.prs[number]; ok {
		return pr, nil
	}
	return nil, fmt.Errorf("no PR %d", number)
}

func (h *fakeHost) CheckMergeable(_ context.Context, _ string, _ int) (host.MergeStatus, error) {
	return h.mergeStatus, nil
}

func (h *fakeHost) MergePullRequest(_ context.Context, _ string, number int, _, _ string) (host.MergeResult, error) {
	if h.mergeErr != nil {
		return host.MergeResult{}, h.mergeErr
	}
	h.ops = append(h.ops, fmt.Sprintf("merge:%d", number))
	return host.MergeResult{SHA: "mergesha123", Merged: true}, nil
}

func (h *fakeHost) ClosePullRequest(_ context.Context, _ string, number int) error {
	h.ops = append(h.ops, fmt.Sprintf("close:%d", number))
	return nil
}

func (h *fakeHost) AddComment(_ context.Context, _ string, number int, body string) error {
	h.ops = append(h.ops, fmt.Sprintf("comment:%d", number))
	h.comments = append(h.comments, body)
	return nil
}

func (h *fakeHost) CreateFixPR(_ context.Context, _, _ string, _ []analysis.Fix, _, _ string) (host.CreatedPR, error) {
	h.ops = append(h.ops, fmt.Sprintf("create_pr:%d", h.createdPR.Number))
	return h.createdPR, nil
}

func (h *fakeHost) FetchCodeFiles(_ context.Context, _, _ string) ([]analysis.CodeFile, error) {
	return nil, nil
}

type fakePatternStore struct {
	stored []apppatterns.StoreCommand
}

func (s *fakePatternStore) Store(_ context.Context, cmd apppatterns.StoreCommand) (string, error) {
	s.stored = append(s.stored, cmd)
	return fmt.Sprintf("fix_pattern_%d", len(s.stored)), nil
}

type fakeLedger struct {
	submitted []appfeedback.SubmitCommand
}

func (l *fakeLedger) Submit(_ context.Context, cmd appfeedback.SubmitCommand) (string, error) {
	l.submitted = append(l.submitted, cmd)
	return "feedback_abc", nil
}

type fakeGuider struct {
	result *domguidance.Result
}

func (g *fakeGuider) Guide(_ context.Context, _ *analysis.Analysis) *domguidance.Result {
	if g.result != nil {
		return g.result
	}
	return &domguidance.Result{ApprovalProbability: 0.5}
}

type keywordExtractor struct{ calls int }

func (e *keywordExtractor) Extract(_ context.Context, text string) analysis.FeedbackFeatures {
	e.calls++
	return appfeedback.KeywordExtract(text)
}

type fakeGenerator struct {
	fixes []analysis.Fix
	err   error

	gotDenial string
	gotGuide  *domguidance.Result
}

func (g *fakeGenerator) GenerateWithGuidance(_ context.Context, _ []analysis.Vulnerability, _ []analysis.CodeFile, denial string, guide *domguidance.Result) ([]analysis.Fix, error) {
	g.gotDenial = denial
	g.gotGuide = guide
	return g.fixes, g.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var _ application.Clock = fixedClock{}

func newController(repo *fakeAnalysisRepo, h *fakeHost) (*Controller, *fakePatternStore, *fakeLedger, *fakeGenerator) {
	patterns := &fakePatternStore{}
	ledger := &fakeLedger{}
	gen := &fakeGenerator{fixes: []analysis.Fix{{FilePath: "app.py", FixedContent: "fixed"}}}
	c := &Controller{
		Analyses:      repo,
		Host:          h,
		Patterns:      patterns,
		Feedback:      ledger,
		Guidance:      &fakeGuider{},
		Extractor:     &keywordExtractor{},
		Generator:     gen,
		Clock:         fixedClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		MaxIterations: 3,
	}
	return c, patterns, ledger, gen
}

func openPRAnalysis() *analysis.Analysis {
	return &analysis.Analysis{
		ID:              "analysis_aaa111",
		RepoFullName:    "acme/shop",
		CommitSHA:       "abcdef1234567",
		Status:          analysis.StatusCompleted,
		PRNumber:        10,
		IterationNumber: 1,
		Vulnerabilities: []analysis.Vulnerability{
			{Type: "sql_injection", Severity: "high", FilePath: "app.py", LineNumber: 42},
		},
		Fixes: []analysis.Fix{
			{FilePath: "app.py", OriginalContent: "before", FixedContent: "after", Description: "Fix sql_injection"},
		},
		CodeFiles: []analysis.CodeFile{{Path: "app.py", Content: "before"}},
	}
}

func TestApproveUnauthorizedWinsOverOtherGuards(t *testing.T) {
	a := openPRAnalysis()
	a.Merged = true // even a merged record must not answer before the auth check
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{collaborators: map[string]bool{}, prs: map[int]*host.PullRequest{}}
	c, _, _, _ := newController(repo, h)

	out := c.HandleApprove(context.Background(), "acme/shop", 10, "rando")
	assert.False(t, out.Success)
	assert.Equal(t, ReasonUnauthorized, out.Reason)
}

func TestApproveUnknownPR(t *testing.T) {
	repo := newFakeAnalysisRepo()
	h := &fakeHost{collaborators: map[string]bool{"alice": true}}
	c, _, _, _ := newController(repo, h)

	out := c.HandleApprove(context.Background(), "acme/shop", 99, "alice")
	assert.False(t, out.Success)
	assert.Equal(t, ReasonAnalysisNotFound, out.Reason)
}

func TestApproveIsIdempotentAfterMerge(t *testing.T) {
	a := openPRAnalysis()
	a.Merged = true
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{collaborators: map[string]bool{"alice": true}}
	c, patterns, _, _ := newController(repo, h)

	out := c.HandleApprove(context.Background(), "acme/shop", 10, "alice")
	assert.True(t, out.Success)
	assert.Equal(t, ReasonAlreadyMerged, out.Reason)
	assert.Empty(t, patterns.stored, "second approval must not store patterns again")
	assert.Empty(t, h.ops, "no merge or comment on an idempotent approve")
}

func TestApproveConflictsBlockMerge(t *testing.T) {
	a := openPRAnalysis()
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{
		collaborators: map[string]bool{"alice": true},
		prs:           map[int]*host.PullRequest{10: {Number: 10, State: "open"}},
		mergeStatus:   host.MergeStatus{Mergeable: false, HasConflicts: true},
	}
	c, _, ledger, _ := newController(repo, h)

	out := c.HandleApprove(context.Background(), "acme/shop", 10, "alice")
	assert.False(t, out.Success)
	assert.Equal(t, ReasonHasConflicts, out.Reason)
	assert.Equal(t, analysis.Disposition(""), a.Disposition, "conflicted approve must not record a disposition")
	assert.Empty(t, ledger.submitted)
}

func TestApproveMergesAndHarvestsPatterns(t *testing.T) {
	a := openPRAnalysis()
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{
		collaborators: map[string]bool{"alice": true},
		prs:           map[int]*host.PullRequest{10: {Number: 10, State: "open"}},
		mergeStatus:   host.MergeStatus{Mergeable: true},
	}
	c, patterns, ledger, _ := newController(repo, h)

	out := c.HandleApprove(context.Background(), "acme/shop", 10, "alice")
	require.True(t, out.Success)
	assert.Equal(t, ReasonMerged, out.Reason)

	assert.Equal(t, analysis.DispositionApproved, a.Disposition)
	assert.Equal(t, "alice", a.ApprovedBy)
	assert.True(t, a.Merged)
	assert.Equal(t, "mergesha123", a.MergeSHA)
	require.NotNil(t, a.ApprovedAt)

	require.Len(t, patterns.stored, 1)
	assert.Equal(t, "sql_injection", patterns.stored[0].VulnerabilityType)
	assert.Equal(t, "app.py", patterns.stored[0].FilePath)

	require.Len(t, ledger.submitted, 1)
	assert.True(t, ledger.submitted[0].Approved)
}

func TestDenyAtIterationCapIsTerminal(t *testing.T) {
	a := openPRAnalysis()
	a.IterationNumber = 3 // third and final attempt
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{collaborators: map[string]bool{"alice": true}}
	c, _, ledger, _ := newController(repo, h)
	extractor := &keywordExtractor{}
	c.Extractor = extractor

	out := c.HandleDeny(context.Background(), "acme/shop", 10, "alice", "still wrong")
	assert.False(t, out.Success)
	assert.Equal(t, ReasonMaxIterations, out.Reason)
	assert.False(t, out.RegeneratePending)

	// A capped deny is a pure terminal outcome: no extraction, no
	// disposition change, nothing appended to the ledger.
	assert.Zero(t, extractor.calls)
	assert.Equal(t, analysis.Disposition(""), a.Disposition)
	assert.Nil(t, a.FeedbackFeatures)
	assert.Empty(t, a.DenialReasons)
	assert.Empty(t, ledger.submitted)
}

func TestDenyRecordsFeedbackAndMarksRegeneration(t *testing.T) {
	a := openPRAnalysis()
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{collaborators: map[string]bool{"alice": true}}
	c, _, ledger, _ := newController(repo, h)

	out := c.HandleDeny(context.Background(), "acme/shop", 10, "alice", "this breaks production api")
	require.True(t, out.Success)
	assert.Equal(t, ReasonFeedbackReceived, out.Reason)
	assert.True(t, out.RegeneratePending)
	assert.Equal(t, a.ID, out.AnalysisID)

	assert.Equal(t, analysis.DispositionDenied, a.Disposition)
	assert.Equal(t, "alice", a.DeniedBy)
	require.NotNil(t, a.DeniedAt)
	assert.Equal(t, []string{"this breaks production api"}, a.DenialReasons)

	require.NotNil(t, a.FeedbackFeatures)
	assert.True(t, a.FeedbackFeatures.BreakingChangeConcerns)

	require.Len(t, ledger.submitted, 1)
	assert.False(t, ledger.submitted[0].Approved)
	assert.Equal(t, "this breaks production api", ledger.submitted[0].FeedbackText)
}

func TestRegenerateOpensNewPRBeforeClosingOld(t *testing.T) {
	a := openPRAnalysis()
	a.Disposition = analysis.DispositionDenied
	a.DenialReasons = []string{"this breaks production api"}
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{
		collaborators: map[string]bool{"alice": true},
		createdPR:     host.CreatedPR{Number: 11, URL: "https://example.test/pr/11"},
	}
	c, _, _, gen := newController(repo, h)

	childID, err := c.Regenerate(context.Background(), a.ID)
	require.NoError(t, err)

	child := repo.byID[childID]
	require.NotNil(t, child)
	assert.Equal(t, a.ID, child.ParentAnalysisID)
	assert.Equal(t, 2, child.IterationNumber)
	assert.Equal(t, []int{10}, child.PreviousPRNumbers)
	assert.Equal(t, 11, child.PRNumber)
	assert.Equal(t, analysis.StatusCompleted, child.Status)
	assert.True(t, child.GuidanceApplied)

	assert.Equal(t, "this breaks production api", gen.gotDenial)
	require.NotNil(t, gen.gotGuide)

	// The replacement PR must exist before the denied one is closed.
	require.Equal(t, []string{"create_pr:11", "comment:10", "close:10"}, h.ops)
}

func TestRegenerateFailureMarksChildFailed(t *testing.T) {
	a := openPRAnalysis()
	a.DenialReasons = []string{"wrong fix"}
	repo := newFakeAnalysisRepo(a)
	h := &fakeHost{}
	c, _, _, gen := newController(repo, h)
	gen.fixes = nil
	gen.err = fmt.Errorf("model unavailable")

	childID, err := c.Regenerate(context.Background(), a.ID)
	require.Error(t, err)
	child := repo.byID[childID]
	require.NotNil(t, child)
	assert.Equal(t, analysis.StatusFailed, child.Status)
}
