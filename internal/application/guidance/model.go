package guidance

import (
	"math"
)

// The pack carries no machine-learning library, so the approval model is a
// small logistic-regression classifier with a standard scaler, both
// implemented here and persisted as JSON blobs. Deterministic fit: zero
// init, fixed learning rate and epoch count.

const (
	fitEpochs       = 500
	fitLearningRate = 0.1
)

type scalerArtifact struct {
	Mean   []float64 `json:"mean"`
	Std    []float64 `json:"std"`
	Fitted bool      `json:"fitted"`
}

type classifierArtifact struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Fitted  bool      `json:"fitted"`
	Samples int       `json:"samples"`
}

func fitScaler(X [][]float64) *scalerArtifact {
	if len(X) == 0 {
		return &scalerArtifact{}
	}
	dims := len(X[0])
	mean := make([]float64, dims)
	std := make([]float64, dims)

	for _, row := range X {
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(X))
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range X {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1 // constant column, leave values centered at zero
		}
	}
	return &scalerArtifact{Mean: mean, Std: std, Fitted: true}
}

func (s *scalerArtifact) transform(x []float64) []float64 {
	if !s.Fitted || len(s.Mean) != len(x) {
		return x
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

func fitClassifier(X [][]float64, y []int) *classifierArtifact {
	if len(X) == 0 {
		return &classifierArtifact{}
	}
	dims := len(X[0])
	w := make([]float64, dims)
	b := 0.0
	n := float64(len(X))

	for epoch := 0; epoch < fitEpochs; epoch++ {
		gradW := make([]float64, dims)
		gradB := 0.0
		for i, row := range X {
			p := sigmoid(dot(w, row) + b)
			err := p - float64(y[i])
			for j, v := range row {
				gradW[j] += err * v
			}
			gradB += err
		}
		for j := range w {
			w[j] -= fitLearningRate * gradW[j] / n
		}
		b -= fitLearningRate * gradB / n
	}

	return &classifierArtifact{Weights: w, Bias: b, Fitted: true, Samples: len(X)}
}

// predictProba returns the positive-class (approval) probability.
func (c *classifierArtifact) predictProba(x []float64) float64 {
	if !c.Fitted || len(c.Weights) != len(x) {
		return 0.5
	}
	return sigmoid(dot(c.Weights, x) + c.Bias)
}

// importances normalizes absolute weights so they sum to 1.
func (c *classifierArtifact) importances() []float64 {
	if !c.Fitted {
		return nil
	}
	out := make([]float64, len(c.Weights))
	total := 0.0
	for j, w := range c.Weights {
		out[j] = math.Abs(w)
		total += out[j]
	}
	if total > 0 {
		for j := range out {
			out[j] /= total
		}
	}
	return out
}

func sigmoid(z float64) float64 {
	// clamp to keep exp in range; probabilities stay strictly inside (0,1)
	if z > 35 {
		z = 35
	} else if z < -35 {
		z = -35
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
