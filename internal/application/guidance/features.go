package guidance

import (
	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// FeatureCount is the fixed width of the model input vector.
const FeatureCount = 20

// featureNames, in vector order. The order is part of the persisted model
// contract: changing it invalidates stored artifacts.
var featureNames = [FeatureCount]string{
	"vulnerability_count",
	"critical_count",
	"high_count",
	"medium_count",
	"low_count",
	"dependency_risk_count",
	"critical_dep_count",
	"execution_time",
	"tokens_used",
	"files_analyzed",
	"agent_count",
	"avg_confidence",
	"fix_published",
	"feedback_sentiment",
	"false_positive_mentioned",
	"breaking_change_mentioned",
	"changes_requested",
	"feedback_specificity",
	"iteration_number",
	"hours_to_denial",
}

// ExtractFeatures maps an analysis onto the fixed 20-dimension vector.
// Missing inputs default to zero; this never fails.
func ExtractFeatures(a *analysis.Analysis) []float64 {
	f := make([]float64, FeatureCount)
	if a == nil {
		return f
	}

	counts := a.CountBySeverity()
	f[0] = float64(len(a.Vulnerabilities))
	f[1] = float64(counts.Critical)
	f[2] = float64(counts.High)
	f[3] = float64(counts.Medium)
	f[4] = float64(counts.Low)

	f[5] = float64(len(a.DependencyRisks))
	criticalDeps := 0
	for _, d := range a.DependencyRisks {
		if d.RiskLevel == "critical" {
			criticalDeps++
		}
	}
	f[6] = float64(criticalDeps)

	f[7] = a.TotalExecutionTime
	f[8] = float64(a.TotalTokensUsed)
	f[9] = float64(len(a.CodeFiles))
	f[10] = float64(len(a.AgentAnalyses))
	f[11] = 0.5 // confidence is not yet reported by the detection stages
	if a.PRNumber > 0 {
		f[12] = 1
	}

	if ff := a.FeedbackFeatures; ff != nil {
		switch ff.Sentiment {
		case "negative":
			f[13] = -1
		case "positive":
			f[13] = 1
		}
		if len(ff.FalsePositiveFlags) > 0 {
			f[14] = 1
		}
		if ff.BreakingChangeConcerns {
			f[15] = 1
		}
		if len(ff.RequestedChanges) > 0 {
			f[16] = 1
		}
		f[17] = ff.SpecificityScore
	}

	f[18] = float64(a.IterationNumber)

	if a.CompletedAt != nil && a.DeniedAt != nil && a.DeniedAt.After(*a.CompletedAt) {
		f[19] = a.DeniedAt.Sub(*a.CompletedAt).Hours()
	}

	return f
}
