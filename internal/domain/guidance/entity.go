package guidance

// Result is the on-demand guidance for one analysis. Derived value, never
// persisted: probability plus the rule-layer commentary keyed off feature
// values. An untrained model still yields a usable Result (probability 0.5
// with generic factors), never an empty one.
type Result struct {
	ApprovalProbability    float64            `json:"approval_probability"`
	RiskFactors            []string           `json:"risk_factors"`
	RecommendedAdjustments []string           `json:"recommended_adjustments"`
	TopFeatures            map[string]float64 `json:"top_features,omitempty"`
}

// ModelStats reports the state of the trained artifact.
type ModelStats struct {
	IsTrained          bool      `json:"is_trained"`
	FeedbackSamples    int       `json:"feedback_samples"`
	ModelType          string    `json:"model_type"`
	FeatureImportances []float64 `json:"feature_importances,omitempty"`
}
