package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/protectsus/protectsus/internal/domain/analysis"
	domfeedback "github.com/protectsus/protectsus/internal/domain/feedback"
	"github.com/protectsus/protectsus/internal/domain/guidance"
)

// Artifact keys. The two blobs are co-versioned: a retrain always rewrites
// both, and absence of either means cold-start mode.
const (
	ScalerKey     = "models/scaler.json"
	ClassifierKey = "models/classifier.json"
)

// Engine predicts approval probability for an analysis and retrains from the
// accumulated feedback ledger. Guidance is advisory: every failure path
// degrades to cold-start defaults instead of erroring.
type Engine struct {
	Artifacts      guidance.ArtifactStore
	Feedback       domfeedback.Repository
	Analyses       analysis.Repository
	MinFeedback    int // minimum ledger size before retrain fits (default 10)
	MaxRiskFactors int // cap on surfaced risk factors (default 5)
}

func NewEngine(store guidance.ArtifactStore, fb domfeedback.Repository, an analysis.Repository, minFeedback, maxRiskFactors int) *Engine {
	if minFeedback <= 0 {
		minFeedback = 10
	}
	if maxRiskFactors <= 0 {
		maxRiskFactors = 5
	}
	return &Engine{
		Artifacts:      store,
		Feedback:       fb,
		Analyses:       an,
		MinFeedback:    minFeedback,
		MaxRiskFactors: maxRiskFactors,
	}
}

// loadModel reads the latest persisted artifacts. Missing or corrupt blobs
// degrade to cold start.
func (e *Engine) loadModel(ctx context.Context) (*scalerArtifact, *classifierArtifact) {
	cold := func() (*scalerArtifact, *classifierArtifact) {
		return &scalerArtifact{}, &classifierArtifact{}
	}

	rawScaler, err := e.Artifacts.Load(ctx, ScalerKey)
	if err != nil {
		if !errors.Is(err, guidance.ErrArtifactNotFound) {
			log.Printf("loading scaler artifact: %v", err)
		}
		return cold()
	}
	rawClassifier, err := e.Artifacts.Load(ctx, ClassifierKey)
	if err != nil {
		if !errors.Is(err, guidance.ErrArtifactNotFound) {
			log.Printf("loading classifier artifact: %v", err)
		}
		return cold()
	}

	var scaler scalerArtifact
	var classifier classifierArtifact
	if err := json.Unmarshal(rawScaler, &scaler); err != nil {
		log.Printf("corrupt scaler artifact, falling back to cold start: %v", err)
		return cold()
	}
	if err := json.Unmarshal(rawClassifier, &classifier); err != nil {
		log.Printf("corrupt classifier artifact, falling back to cold start: %v", err)
		return cold()
	}
	return &scaler, &classifier
}

// Predict returns the approval probability in [0,1] for an analysis.
// An untrained model returns exactly 0.5.
func (e *Engine) Predict(ctx context.Context, a *analysis.Analysis) float64 {
	scaler, classifier := e.loadModel(ctx)
	if !classifier.Fitted {
		return 0.5
	}
	return classifier.predictProba(scaler.transform(ExtractFeatures(a)))
}

// Retrain refits scaler and classifier on the full historical ledger and
// persists both artifacts. Fewer than MinFeedback records is a logged no-op.
// Full-set batch refit on every new label is deliberate: correctness over
// incremental-update efficiency at this data scale.
func (e *Engine) Retrain(ctx context.Context) error {
	count, err := e.Feedback.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting feedback: %w", err)
	}
	if count < e.MinFeedback {
		log.Printf("guidance retrain skipped: %d feedback records, need %d", count, e.MinFeedback)
		return nil
	}

	records, err := e.Feedback.All(ctx)
	if err != nil {
		return fmt.Errorf("loading feedback ledger: %w", err)
	}

	var X [][]float64
	var y []int
	for _, rec := range records {
		a, err := e.Analyses.Get(ctx, rec.AnalysisID)
		if err != nil {
			return fmt.Errorf("loading analysis %s for training: %w", rec.AnalysisID, err)
		}
		if a == nil {
			continue // orphaned feedback, skip
		}
		X = append(X, ExtractFeatures(a))
		if rec.Approved {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	if len(X) == 0 {
		log.Printf("guidance retrain skipped: no joinable feedback records")
		return nil
	}

	scaler := fitScaler(X)
	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = scaler.transform(row)
	}
	classifier := fitClassifier(scaled, y)

	rawScaler, err := json.Marshal(scaler)
	if err != nil {
		return fmt.Errorf("encoding scaler: %w", err)
	}
	rawClassifier, err := json.Marshal(classifier)
	if err != nil {
		return fmt.Errorf("encoding classifier: %w", err)
	}
	if err := e.Artifacts.Save(ctx, ScalerKey, rawScaler); err != nil {
		return fmt.Errorf("persisting scaler: %w", err)
	}
	if err := e.Artifacts.Save(ctx, ClassifierKey, rawClassifier); err != nil {
		return fmt.Errorf("persisting classifier: %w", err)
	}

	log.Printf("guidance model retrained on %d samples", len(X))
	return nil
}

// Guide composes Predict with the rule layer. The result is never empty:
// an untrained model yields probability 0.5 with generic commentary.
func (e *Engine) Guide(ctx context.Context, a *analysis.Analysis) *guidance.Result {
	scaler, classifier := e.loadModel(ctx)

	if !classifier.Fitted {
		return &guidance.Result{
			ApprovalProbability: 0.5,
			RiskFactors:         []string{"Model not yet trained; guidance is generic"},
			RecommendedAdjustments: []string{
				"Address the reviewer feedback directly",
				"Keep the fix minimal and focused on the reported findings",
			},
		}
	}

	prob := classifier.predictProba(scaler.transform(ExtractFeatures(a)))

	var risks, adjustments []string
	if ff := a.FeedbackFeatures; ff != nil {
		if ff.Sentiment == "negative" {
			risks = append(risks, "Previous fix received negative feedback")
			adjustments = append(adjustments, "Address the specific concerns raised in the feedback")
		}
		if len(ff.FalsePositiveFlags) > 0 {
			risks = append(risks, "Reviewer suspects a false positive detection")
			adjustments = append(adjustments, "Re-verify detection accuracy before changing code")
		}
		if ff.BreakingChangeConcerns {
			risks = append(risks, "Reviewer raised breaking-change concerns")
			adjustments = append(adjustments, "Minimize changes and preserve backward compatibility")
		}
	}
	if prob < 0.3 {
		risks = append(risks, fmt.Sprintf("Low predicted approval probability (%.2f)", prob))
		adjustments = append(adjustments, "Prefer conservative, minimal changes")
	} else if prob < 0.5 {
		risks = append(risks, fmt.Sprintf("Moderate approval risk (%.2f)", prob))
	}
	if len(risks) > e.MaxRiskFactors {
		risks = risks[:e.MaxRiskFactors]
	}

	return &guidance.Result{
		ApprovalProbability:    prob,
		RiskFactors:            risks,
		RecommendedAdjustments: adjustments,
		TopFeatures:            topFeatures(classifier, 5),
	}
}

// Stats reports model state for the admin endpoint.
func (e *Engine) Stats(ctx context.Context) (*guidance.ModelStats, error) {
	count, err := e.Feedback.Count(ctx)
	if err != nil {
		return nil, err
	}
	_, classifier := e.loadModel(ctx)
	return &guidance.ModelStats{
		IsTrained:          classifier.Fitted,
		FeedbackSamples:    count,
		ModelType:          "logistic_regression",
		FeatureImportances: classifier.importances(),
	}, nil
}

func topFeatures(c *classifierArtifact, n int) map[string]float64 {
	imps := c.importances()
	if imps == nil {
		return nil
	}
	idx := make([]int, len(imps))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return imps[idx[i]] > imps[idx[j]] })
	if n > len(idx) {
		n = len(idx)
	}
	out := make(map[string]float64, n)
	for _, j := range idx[:n] {
		out[featureNames[j]] = imps[j]
	}
	return out
}
