package model

import (
	"fmt"

	"github.com/dmitryikh/leaves"
	"gonum.org/v1/gonum/mat"
)

// ensemble adapts a leaves ensemble to Model. Scores include the model's
// output transformation (sigmoid for binary:logistic).
type ensemble struct {
	e     *leaves.Ensemble
	width int
}

func loadXGBoost(path string) (Model, error) {
	e, err := leaves.XGEnsembleFromFile(path, true)
	if err != nil {
		return nil, err
	}
	return newEnsemble(e)
}

func loadLightGBM(path string) (Model, error) {
	e, err := leaves.LGEnsembleFromFile(path, true)
	if err != nil {
		return nil, err
	}
	return newEnsemble(e)
}

func newEnsemble(e *leaves.Ensemble) (Model, error) {
	if groups := e.NOutputGroups(); groups != 1 {
		return nil, fmt.Errorf("%w: %d output groups, predict returns one score per row", ErrUnsupportedModel, groups)
	}
	// leaves reports 0 features for a LightGBM model with max_feature_idx=0.
	return &ensemble{e: e, width: max(e.NFeatures(), 1)}, nil
}

func (m *ensemble) NumFeatures() int { return m.width }

// Predict requires exactly the trained width. A wider matrix usually means a
// dictionary gained a category, which shifts every later indicator.
func (m *ensemble) Predict(x *mat.Dense) ([]float64, error) {
	data, rows, cols := rowMajor(x)
	if cols != m.width {
		return nil, &FeatureWidthError{Want: m.width, Got: cols}
	}
	preds := make([]float64, rows)
	if err := m.e.PredictDense(data, rows, cols, preds, 0, 1); err != nil {
		return nil, &InferenceError{Err: err}
	}
	return preds, nil
}
