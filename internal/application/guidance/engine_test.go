package guidance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectsus/protectsus/internal/domain/analysis"
	domfeedback "github.com/protectsus/protectsus/internal/domain/feedback"
	"github.com/protectsus/protectsus/internal/domain/guidance"
)

type memoryArtifacts struct {
	blobs map[string][]byte
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{blobs: map[string][]byte{}}
}

func (s *memoryArtifacts) Save(_ context.Context, key string, data []byte) error {
	s.blobs[key] = data
	return nil
}

func (s *memoryArtifacts) Load(_ context.Context, key string) ([]byte, error) {
	if b, ok := s.blobs[key]; ok {
		return b, nil
	}
	return nil, guidance.ErrArtifactNotFound
}

type memoryFeedback struct {
	records []*domfeedback.Record
}

func (r *memoryFeedback) Save(_ context.Context, rec *domfeedback.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryFeedback) Count(_ context.Context) (int, error) { return len(r.records), nil }

func (r *memoryFeedback) CountApproved(_ context.Context) (int, error) {
	n := 0
	for _, rec := range r.records {
		if rec.Approved {
			n++
		}
	}
	return n, nil
}

func (r *memoryFeedback) All(_ context.Context) ([]*domfeedback.Record, error) {
	return r.records, nil
}

func (r *memoryFeedback) LatestByAnalysis(_ context.Context, id analysis.AnalysisID) (*domfeedback.Record, error) {
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].AnalysisID == id {
			return r.records[i], nil
		}
	}
	return nil, nil
}

func (r *memoryFeedback) Recent(_ context.Context, limit int) ([]*domfeedback.Record, error) {
	if limit > len(r.records) {
		limit = len(r.records)
	}
	return r.records[len(r.records)-limit:], nil
}

type memoryAnalyses struct {
	byID map[analysis.AnalysisID]*analysis.Analysis
}

func (r *memoryAnalyses) Save(_ context.Context, a *analysis.Analysis) error {
	r.byID[a.ID] = a
	return nil
}

func (r *memoryAnalyses) Get(_ context.Context, id analysis.AnalysisID) (*analysis.Analysis, error) {
	return r.byID[id], nil
}

func (r *memoryAnalyses) GetByPR(_ context.Context, _ string, _ int) (*analysis.Analysis, error) {
	return nil, nil
}

func (r *memoryAnalyses) FindByRepoCommit(_ context.Context, _, _ string) (*analysis.Analysis, error) {
	return nil, nil
}

func (r *memoryAnalyses) LatestByRepo(_ context.Context, _ string, _ int) ([]*analysis.Analysis, error) {
	return nil, nil
}

// seedLedger fills n labeled analyses where high vulnerability counts get
// denied and low counts get approved, a learnable split.
func seedLedger(fb *memoryFeedback, an *memoryAnalyses, n int) {
	for i := 0; i < n; i++ {
		id := analysis.AnalysisID(fmt.Sprintf("analysis_%03d", i))
		approved := i%2 == 0
		vulnCount := 1
		if !approved {
			vulnCount = 8
		}
		a := &analysis.Analysis{ID: id, Status: analysis.StatusCompleted, PRNumber: 100 + i}
		for v := 0; v < vulnCount; v++ {
			a.Vulnerabilities = append(a.Vulnerabilities, analysis.Vulnerability{
				Type: "xss", Severity: "high", FilePath: "app.py",
			})
		}
		an.byID[id] = a
		fb.records = append(fb.records, &domfeedback.Record{
			ID:         fmt.Sprintf("feedback_%03d", i),
			AnalysisID: id,
			Approved:   approved,
			CreatedAt:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		})
	}
}

func newTestEngine() (*Engine, *memoryArtifacts, *memoryFeedback, *memoryAnalyses) {
	store := newMemoryArtifacts()
	fb := &memoryFeedback{}
	an := &memoryAnalyses{byID: map[analysis.AnalysisID]*analysis.Analysis{}}
	return NewEngine(store, fb, an, 10, 5), store, fb, an
}

func TestPredictColdStartIsExactlyHalf(t *testing.T) {
	e, _, _, _ := newTestEngine()
	a := &analysis.Analysis{ID: "analysis_x"}
	assert.Equal(t, 0.5, e.Predict(context.Background(), a))
}

func TestRetrainBelowThresholdIsNoOp(t *testing.T) {
	e, store, fb, an := newTestEngine()
	seedLedger(fb, an, 9)

	require.NoError(t, e.Retrain(context.Background()))
	assert.Empty(t, store.blobs, "nine records must not train the model")
	assert.Equal(t, 0.5, e.Predict(context.Background(), &analysis.Analysis{ID: "analysis_x"}))
}

func TestRetrainAtThresholdPersistsBothArtifacts(t *testing.T) {
	e, store, fb, an := newTestEngine()
	seedLedger(fb, an, 10)

	require.NoError(t, e.Retrain(context.Background()))
	assert.Contains(t, store.blobs, ScalerKey)
	assert.Contains(t, store.blobs, ClassifierKey)
}

func TestTrainedModelSeparatesApprovalPatterns(t *testing.T) {
	e, _, fb, an := newTestEngine()
	seedLedger(fb, an, 20)
	require.NoError(t, e.Retrain(context.Background()))

	clean := &analysis.Analysis{ID: "analysis_clean", Vulnerabilities: []analysis.Vulnerability{
		{Type: "xss", Severity: "high", FilePath: "app.py"},
	}}
	noisy := &analysis.Analysis{ID: "analysis_noisy"}
	for i := 0; i < 8; i++ {
		noisy.Vulnerabilities = append(noisy.Vulnerabilities, analysis.Vulnerability{
			Type: "xss", Severity: "high", FilePath: "app.py",
		})
	}

	pClean := e.Predict(context.Background(), clean)
	pNoisy := e.Predict(context.Background(), noisy)

	assert.Greater(t, pClean, pNoisy, "fewer findings should look more approvable")
	assert.GreaterOrEqual(t, pClean, 0.0)
	assert.LessOrEqual(t, pClean, 1.0)
	assert.GreaterOrEqual(t, pNoisy, 0.0)
	assert.LessOrEqual(t, pNoisy, 1.0)
}

func TestGuideUntrainedGivesGenericAdvice(t *testing.T) {
	e, _, _, _ := newTestEngine()
	res := e.Guide(context.Background(), &analysis.Analysis{ID: "analysis_x"})
	assert.Equal(t, 0.5, res.ApprovalProbability)
	assert.NotEmpty(t, res.RiskFactors)
	assert.NotEmpty(t, res.RecommendedAdjustments)
}

func TestGuideTrainedSurfacesFeedbackRisks(t *testing.T) {
	e, _, fb, an := newTestEngine()
	seedLedger(fb, an, 10)
	require.NoError(t, e.Retrain(context.Background()))

	a := &analysis.Analysis{
		ID: "analysis_denied",
		FeedbackFeatures: &analysis.FeedbackFeatures{
			Sentiment:              "negative",
			FalsePositiveFlags:     []string{"false positive"},
			BreakingChangeConcerns: true,
		},
	}
	res := e.Guide(context.Background(), a)

	assert.LessOrEqual(t, len(res.RiskFactors), 5)
	joined := fmt.Sprint(res.RiskFactors)
	assert.Contains(t, joined, "negative feedback")
	assert.Contains(t, joined, "false positive")
	assert.Contains(t, joined, "breaking-change")
	assert.NotEmpty(t, res.RecommendedAdjustments)
}

func TestCorruptArtifactFallsBackToColdStart(t *testing.T) {
	e, store, fb, an := newTestEngine()
	seedLedger(fb, an, 10)
	require.NoError(t, e.Retrain(context.Background()))

	store.blobs[ClassifierKey] = []byte("{not json")
	assert.Equal(t, 0.5, e.Predict(context.Background(), &analysis.Analysis{ID: "analysis_x"}))
}

func TestStatsReportsTrainingState(t *testing.T) {
	e, _, fb, an := newTestEngine()

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.IsTrained)
	assert.Equal(t, 0, stats.FeedbackSamples)

	seedLedger(fb, an, 10)
	require.NoError(t, e.Retrain(context.Background()))

	stats, err = e.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.IsTrained)
	assert.Equal(t, 10, stats.FeedbackSamples)
	assert.Len(t, stats.FeatureImportances, FeatureCount)
}
