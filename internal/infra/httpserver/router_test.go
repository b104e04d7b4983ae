package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectsus/protectsus/internal/application"
	appanalysis "github.com/protectsus/protectsus/internal/application/analysis"
	appfeedback "github.com/protectsus/protectsus/internal/application/feedback"
	"github.com/protectsus/protectsus/internal/application/fixes"
	appguidance "github.com/protectsus/protectsus/internal/application/guidance"
	"github.com/protectsus/protectsus/internal/application/jobs"
	"github.com/protectsus/protectsus/internal/application/orchestrator"
	apppatterns "github.com/protectsus/protectsus/internal/application/patterns"
	"github.com/protectsus/protectsus/internal/application/workflow"
	domain "github.com/protectsus/protectsus/internal/domain/analysis"
	domfeedback "github.com/protectsus/protectsus/internal/domain/feedback"
	domguidance "github.com/protectsus/protectsus/internal/domain/guidance"
	dompatterns "github.com/protectsus/protectsus/internal/domain/patterns"
	"github.com/protectsus/protectsus/internal/domain/host"
)

type stubAI struct{}

func (stubAI) Complete(_ context.Context, _, _ string) (string, error) {
	return "patched code", nil
}

func (stubAI) CompleteJSON(_ context.Context, _, _ string) (string, error) {
	return "patched code", nil
}

type memAnalyses struct {
	mu   sync.Mutex
	byID map[domain.AnalysisID]*domain.Analysis
}

func newMemAnalyses(list ...*domain.Analysis) *memAnalyses {
	r := &memAnalyses{byID: map[domain.AnalysisID]*domain.Analysis{}}
	for _, a := range list {
		r.byID[a.ID] = a
	}
	return r
}

func (r *memAnalyses) Save(_ context.Context, a *domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *a
	r.byID[a.ID] = &clone
	return nil
}

// Readers get copies so concurrent job goroutines never share a struct
// with the test assertions.
func clone(a *domain.Analysis) *domain.Analysis {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func (r *memAnalyses) Get(_ context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.byID[id]), nil
}

func (r *memAnalyses) GetByPR(_ context.Context, repo string, prNumber int) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.RepoFullName == repo && a.PRNumber == prNumber {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (r *memAnalyses) FindByRepoCommit(_ context.Context, repo, sha string) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if a.RepoFullName == repo && a.CommitSHA == sha && a.IterationNumber == 1 {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (r *memAnalyses) LatestByRepo(_ context.Context, repo string, _ int) ([]*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Analysis
	for _, a := range r.byID {
		if a.RepoFullName == repo {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memAnalyses) find(match func(*domain.Analysis) bool) *domain.Analysis {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byID {
		if match(a) {
			return clone(a)
		}
	}
	return nil
}

type memHost struct {
	mu        sync.Mutex
	merged    []int
	closed    []int
	createdPR host.CreatedPR
}

func (h *memHost) IsCollaborator(_ context.Context, _, username string) (bool, error) {
	return username == "alice", nil
}

func (h *memHost) GetPullRequest(_ context.Context, _ string, number int) (*host.PullRequest, error) {
	return &host.PullRequest{Number: number, State: "open"}, nil
}

func (h *memHost) CheckMergeable(_ context.Context, _ string, _ int) (host.MergeStatus, error) {
	return host.MergeStatus{Mergeable: true}, nil
}

func (h *memHost) MergePullRequest(_ context.Context, _ string, number int, _, _ string) (host.MergeResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merged = append(h.merged, number)
	return host.MergeResult{SHA: "mergesha", Merged: true}, nil
}

func (h *memHost) ClosePullRequest(_ context.Context, _ string, number int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, number)
	return nil
}

func (h *memHost) AddComment(_ context.Context, _ string, _ int, _ string) error { return nil }

func (h *memHost) CreateFixPR(_ context.Context, _, _ string, _ []domain.Fix, _, _ string) (host.CreatedPR, error) {
	return h.createdPR, nil
}

func (h *memHost) FetchCodeFiles(_ context.Context, _, _ string) ([]domain.CodeFile, error) {
	return nil, nil
}

func (h *memHost) mergedPRs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.merged...)
}

type memFeedback struct {
	mu      sync.Mutex
	records []*domfeedback.Record
}

func (l *memFeedback) Save(_ context.Context, r *domfeedback.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *memFeedback) Count(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records), nil
}

func (l *memFeedback) CountApproved(_ context.Context) (int, error) { return 0, nil }

func (l *memFeedback) All(_ context.Context) ([]*domfeedback.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*domfeedback.Record(nil), l.records...), nil
}

func (l *memFeedback) LatestByAnalysis(_ context.Context, _ domain.AnalysisID) (*domfeedback.Record, error) {
	return nil, nil
}

func (l *memFeedback) Recent(_ context.Context, _ int) ([]*domfeedback.Record, error) {
	return nil, nil
}

type memPatterns struct{}

func (memPatterns) FindBySignature(_ context.Context, _ dompatterns.Signature) (*dompatterns.FixPattern, error) {
	return nil, nil
}

func (memPatterns) Insert(_ context.Context, _ *dompatterns.FixPattern) error { return nil }

func (memPatterns) RecordReuse(_ context.Context, _, _ string, _ time.Time) error { return nil }

func (memPatterns) Similar(_ context.Context, _, _, _ string, _ int) ([]*dompatterns.FixPattern, error) {
	return nil, nil
}

func (memPatterns) Stats(_ context.Context) (dompatterns.Stats, error) {
	return dompatterns.Stats{}, nil
}

type memArtifacts struct{}

func (memArtifacts) Save(_ context.Context, _ string, _ []byte) error { return nil }

func (memArtifacts) Load(_ context.Context, _ string) ([]byte, error) {
	return nil, domguidance.ErrArtifactNotFound
}

func newTestRouter(secret string, seed ...*domain.Analysis) (http.Handler, *memAnalyses, *memHost, *jobs.Queue) {
	analyses := newMemAnalyses(seed...)
	h := &memHost{createdPR: host.CreatedPR{Number: 11, URL: "https://example.test/pr/11"}}
	ledger := &memFeedback{}
	clock := application.SystemClock{}
	ai := stubAI{}

	engine := appguidance.NewEngine(memArtifacts{}, ledger, analyses, 10, 5)
	patternSvc := apppatterns.NewService(memPatterns{}, clock)
	feedbackSvc := &appfeedback.Service{Records: ledger, Analyses: analyses, Trainer: engine, Clock: clock}
	generator := fixes.NewGenerator(ai, patternSvc, 3, 5)

	analysisSvc := &appanalysis.Service{
		Analyses:     analyses,
		Host:         h,
		Orchestrator: orchestrator.NewService(ai, clock),
		Generator:    generator,
		Clock:        clock,
	}
	controller := &workflow.Controller{
		Analyses:      analyses,
		Host:          h,
		Patterns:      patternSvc,
		Feedback:      feedbackSvc,
		Guidance:      engine,
		Extractor:     &appfeedback.Extractor{AI: ai},
		Generator:     generator,
		Clock:         clock,
		MaxIterations: 3,
	}
	queue := jobs.NewQueue(jobs.Options{
		Workers:     2,
		SoftTimeout: time.Second,
		HardTimeout: 2 * time.Second,
		Backoff:     time.Millisecond,
	})

	mux := NewRouter(Deps{
		AnalysisSvc:   analysisSvc,
		Controller:    controller,
		Engine:        engine,
		FeedbackSvc:   feedbackSvc,
		PatternSvc:    patternSvc,
		Queue:         queue,
		WebhookSecret: secret,
		BotLogin:      "protectsus-bot",
	})
	return mux, analyses, h, queue
}

func postWebhook(t *testing.T, mux http.Handler, event string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func seededFixPR() *domain.Analysis {
	return &domain.Analysis{
		ID:              "analysis_seed",
		RepoFullName:    "acme/shop",
		CommitSHA:       "abc123def456",
		Status:          domain.StatusCompleted,
		PRNumber:        10,
		IterationNumber: 1,
		Vulnerabilities: []domain.Vulnerability{
			{Type: "sql_injection", Severity: "high", FilePath: "app.py", LineNumber: 3},
		},
		Fixes:     []domain.Fix{{FilePath: "app.py", OriginalContent: "before", FixedContent: "after", Description: "Fix sql_injection"}},
		CodeFiles: []domain.CodeFile{{Path: "app.py", Content: "before"}},
	}
}

func TestWebhookPushQueuesAnalysis(t *testing.T) {
	mux, analyses, _, queue := newTestRouter("")
	defer queue.Shutdown(context.Background())

	w := postWebhook(t, mux, "push", map[string]interface{}{
		"after":      "abc123def456",
		"repository": map[string]string{"full_name": "acme/shop"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Status     string `json:"status"`
		AnalysisID string `json:"analysis_id"`
		Created    bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.True(t, resp.Created)

	// The analysis itself runs off the request path.
	require.Eventually(t, func() bool {
		a := analyses.find(func(a *domain.Analysis) bool { return string(a.ID) == resp.AnalysisID })
		return a != nil && a.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookPullRequestEventTriggersAnalysis(t *testing.T) {
	mux, analyses, _, queue := newTestRouter("")
	defer queue.Shutdown(context.Background())

	w := postWebhook(t, mux, "pull_request", map[string]interface{}{
		"action": "opened",
		"pull_request": map[string]interface{}{
			"number": 42,
			"head":   map[string]string{"sha": "feedbeef1234"},
		},
		"repository": map[string]string{"full_name": "acme/shop"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	a := analyses.find(func(a *domain.Analysis) bool { return a.CommitSHA == "feedbeef1234" })
	require.NotNil(t, a)
	assert.Equal(t, 42, a.TriggerPRNumber)
	assert.Equal(t, 1, a.IterationNumber)
}

func TestWebhookPullRequestIgnoresOtherActions(t *testing.T) {
	mux, analyses, _, queue := newTestRouter("")
	defer queue.Shutdown(context.Background())

	w := postWebhook(t, mux, "pull_request", map[string]interface{}{
		"action": "closed",
		"pull_request": map[string]interface{}{
			"number": 42,
			"head":   map[string]string{"sha": "feedbeef1234"},
		},
		"repository": map[string]string{"full_name": "acme/shop"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, analyses.find(func(a *domain.Analysis) bool { return a.CommitSHA == "feedbeef1234" }))
}

func commentPayload(user, body string) map[string]interface{} {
	return map[string]interface{}{
		"action": "created",
		"issue": map[string]interface{}{
			"number":       10,
			"pull_request": map[string]string{"url": "https://example.test/pr/10"},
		},
		"comment": map[string]interface{}{
			"body": body,
			"user": map[string]string{"login": user},
		},
		"repository": map[string]string{"full_name": "acme/shop"},
	}
}

func TestWebhookApproveRunsOffRequestPath(t *testing.T) {
	mux, analyses, h, queue := newTestRouter("", seededFixPR())
	defer queue.Shutdown(context.Background())

	w := postWebhook(t, mux, "issue_comment", commentPayload("alice", "/approve"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Status string `json:"status"`
		Action string `json:"action"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "approve", resp.Action)

	require.Eventually(t, func() bool {
		a := analyses.find(func(a *domain.Analysis) bool { return a.ID == "analysis_seed" })
		return a != nil && a.Disposition == domain.DispositionApproved && a.Merged
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.mergedPRs(), 10)
}

func TestWebhookDenyQueuesRegeneration(t *testing.T) {
	mux, analyses, _, queue := newTestRouter("", seededFixPR())
	defer queue.Shutdown(context.Background())

	w := postWebhook(t, mux, "issue_comment", commentPayload("alice", `/deny - "breaks the login flow"`))
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		a := analyses.find(func(a *domain.Analysis) bool { return a.ID == "analysis_seed" })
		return a != nil && a.Disposition == domain.DispositionDenied
	}, 2*time.Second, 10*time.Millisecond)

	// Denial chains into a regeneration job that opens the replacement PR.
	require.Eventually(t, func() bool {
		child := analyses.find(func(a *domain.Analysis) bool { return a.ParentAnalysisID == "analysis_seed" })
		return child != nil && child.Status == domain.StatusCompleted && child.PRNumber == 11
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookIgnoresBotOwnComments(t *testing.T) {
	mux, analyses, _, queue := newTestRouter("", seededFixPR())
	defer queue.Shutdown(context.Background())

	w := postWebhook(t, mux, "issue_comment", commentPayload("protectsus-bot", "/approve"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	a := analyses.find(func(a *domain.Analysis) bool { return a.ID == "analysis_seed" })
	assert.Equal(t, domain.Disposition(""), a.Disposition)
}

func TestWebhookSignatureVerification(t *testing.T) {
	const secret = "s3cret"
	mux, _, _, queue := newTestRouter(secret)
	defer queue.Shutdown(context.Background())

	body := []byte(`{"zen":"keep it simple"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))

	req = httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", sig)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
