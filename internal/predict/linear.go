package predict

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"agrosentinel/internal/types"
)

// linearArtifact is the on-disk shape of a linear model artifact: an
// intercept, per-feature coefficients, and the residual spread used to
// derive confidence.
type linearArtifact struct {
	Intercept    float64            `yaml:"intercept"`
	Coefficients map[string]float64 `yaml:"coefficients"`
	// ResidualStd is the training residual standard deviation. Larger
	// spread means lower reported confidence.
	ResidualStd float64 `yaml:"residual_std"`
	// OutputScale converts the normalized linear output into domain units
	// (e.g. t/ha for yield models).
	OutputScale float64 `yaml:"output_scale"`
}

// LinearModel is a trained linear predictor over normalized features. It
// satisfies the types.Model capability contract and retains no state
// between calls.
type LinearModel struct {
	id       string
	artifact linearArtifact
	features []string
}

// loadLinearModel reads and validates a linear artifact file. Validation
// failures here are model_load_error: fatal at startup per the propagation
// policy, since a corrupt artifact means every later prediction would lie.
func loadLinearModel(id, path string) (*LinearModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("reading artifact for %s: %s", id, path), err)
	}

	var artifact linearArtifact
	if err := yaml.Unmarshal(raw, &artifact); err != nil {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("parsing artifact for %s", id), err)
	}
	return NewLinearModel(id, artifact.Intercept, artifact.Coefficients, artifact.ResidualStd, artifact.OutputScale)
}

// NewLinearModel constructs a linear model from coefficients.
func NewLinearModel(id string, intercept float64, coefficients map[string]float64, residualStd, outputScale float64) (*LinearModel, error) {
	if len(coefficients) == 0 {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("model %s has no coefficients", id), nil)
	}
	if residualStd < 0 {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("model %s has negative residual_std", id), nil)
	}
	if outputScale == 0 {
		outputScale = 1
	}

	features := make([]string, 0, len(coefficients))
	for name := range coefficients {
		features = append(features, name)
	}

	return &LinearModel{
		id: id,
		artifact: linearArtifact{
			Intercept:    intercept,
			Coefficients: coefficients,
			ResidualStd:  residualStd,
			OutputScale:  outputScale,
		},
		features: features,
	}, nil
}

// ID returns the versioned model identifier.
func (m *LinearModel) ID() string { return m.id }

// RequiredFeatures lists the feature names the model expects.
func (m *LinearModel) RequiredFeatures() []string {
	return append([]string(nil), m.features...)
}

// Predict computes the linear combination of the vector's features and a
// confidence in (0,1]. Confidence decays with the training residual spread
// and with the fraction of required features missing from the input.
func (m *LinearModel) Predict(fv *types.FeatureVector) (float64, float64, error) {
	sum := m.artifact.Intercept
	missing := 0
	for name, coef := range m.artifact.Coefficients {
		v, ok := fv.Features[name]
		if !ok {
			missing++
			continue
		}
		sum += coef * v
	}

	value := sum * m.artifact.OutputScale

	// Base confidence from residual spread: 1/(1+std), so a perfect fit
	// reports 1.0 and larger spreads decay toward zero.
	confidence := 1.0 / (1.0 + m.artifact.ResidualStd)
	if total := len(m.artifact.Coefficients); total > 0 && missing > 0 {
		coverage := 1.0 - float64(missing)/float64(total)
		confidence *= coverage
	}
	confidence = math.Max(0, math.Min(1, confidence))

	return value, confidence, nil
}
