// Package udf implements the onehot and predict scalar functions and
// registers them into an expression function catalog.
package udf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/boostsql/pkg/matrix"
	"github.com/sandboxws/boostsql/pkg/metrics"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/onehot"
)

// Score flattens the encoded columns, scores them with m and returns one
// float32 per row. It is the arity-agnostic core of predict.
func Score(alloc memory.Allocator, m model.Model, cols []arrow.Array) (*array.Float32, error) {
	dense, err := matrix.FlattenArgs("predict", cols)
	if err != nil {
		return nil, err
	}
	bldr := array.NewFloat32Builder(alloc)
	defer bldr.Release()
	if dense.Rows == 0 {
		return bldr.NewFloat32Array(), nil
	}

	x, err := dense.Matrix()
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	scores, err := m.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(scores) != dense.Rows {
		return nil, fmt.Errorf("predict: %w", &model.InferenceError{
			Err: fmt.Errorf("model returned %d scores for %d rows", len(scores), dense.Rows),
		})
	}

	bldr.Reserve(len(scores))
	for _, s := range scores {
		bldr.UnsafeAppend(float32(s))
	}
	return bldr.NewFloat32Array(), nil
}

// Predictor resolves its model from a cache by path on every call, so a
// caller can hot-swap the file and Invalidate the cache entry.
type Predictor struct {
	cache  *model.Cache
	path   string
	format model.Format
}

// NewPredictor returns a predictor for the model at path. A nil cache gets
// a private one.
func NewPredictor(cache *model.Cache, path string, format model.Format) *Predictor {
	if cache == nil {
		cache = model.NewCache(nil)
	}
	if path == "" {
		path = model.DefaultPath
	}
	return &Predictor{cache: cache, path: path, format: format}
}

// Path returns the model path this predictor scores with.
func (p *Predictor) Path() string { return p.path }

// Predict scores cols. A zero-row batch returns an empty column without
// loading the model.
func (p *Predictor) Predict(_ context.Context, alloc memory.Allocator, cols []arrow.Array) (*array.Float32, error) {
	start := time.Now()
	out, err := p.predict(alloc, cols)
	if err != nil {
		metrics.PredictErrors.WithLabelValues(p.path, errorKind(err)).Inc()
		return nil, err
	}
	metrics.PredictLatency.WithLabelValues(p.path).Observe(time.Since(start).Seconds())
	metrics.RowsScored.WithLabelValues(p.path).Add(float64(out.Len()))
	return out, nil
}

func (p *Predictor) predict(alloc memory.Allocator, cols []arrow.Array) (*array.Float32, error) {
	if len(cols) > 0 && cols[0].Len() == 0 {
		// Still validate argument types and lengths.
		if _, err := matrix.FlattenArgs("predict", cols); err != nil {
			return nil, err
		}
		bldr := array.NewFloat32Builder(alloc)
		defer bldr.Release()
		return bldr.NewFloat32Array(), nil
	}

	m, err := p.cache.Get(p.path, p.format)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return Score(alloc, m, cols)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, onehot.ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, matrix.ErrRowCountMismatch), errors.Is(err, matrix.ErrRaggedColumn):
		return "shape"
	case errors.Is(err, model.ErrModelLoad):
		return "load"
	case errors.Is(err, model.ErrFeatureWidth):
		return "feature_width"
	case errors.Is(err, model.ErrInference):
		return "inference"
	default:
		return "other"
	}
}
