// Package model loads trained gradient-boosted tree models and scores dense
// feature matrices with them.
package model

import (
	"fmt"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DefaultPath is the model file predict reads when none is configured.
const DefaultPath = "model.xgb"

// Model scores the rows of a dense matrix, one value per row.
// Implementations are immutable after load and safe for concurrent use.
type Model interface {
	// NumFeatures is the column count Predict expects: exact for leaves
	// ensembles, a minimum for JSON tree dumps.
	NumFeatures() int

	// Predict returns one score per row of x.
	Predict(x *mat.Dense) ([]float64, error)
}

// Format identifies a model file encoding.
type Format string

const (
	// FormatXGBoost is XGBoost's binary model format.
	FormatXGBoost Format = "xgboost"
	// FormatLightGBM is LightGBM's text model format.
	FormatLightGBM Format = "lightgbm"
	// FormatXGBoostJSON is an XGBoost JSON tree dump (Booster.get_dump(dump_format="json")).
	FormatXGBoostJSON Format = "xgboost-json"
)

// ParseFormat validates a format name. The empty string means "infer from path".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatXGBoost, FormatLightGBM, FormatXGBoostJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown model format %q", s)
	}
}

// FormatFromPath picks a format from the file extension: .json is a JSON
// tree dump, .txt a LightGBM model, anything else XGBoost binary.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatXGBoostJSON
	case ".txt":
		return FormatLightGBM
	default:
		return FormatXGBoost
	}
}

// Load reads the model at path. An empty format is inferred from the path.
// Every failure is a *LoadError.
func Load(path string, format Format) (Model, error) {
	if format == "" {
		format = FormatFromPath(path)
	}
	var (
		m   Model
		err error
	)
	switch format {
	case FormatXGBoost:
		m, err = loadXGBoost(path)
	case FormatLightGBM:
		m, err = loadLightGBM(path)
	case FormatXGBoostJSON:
		m, err = loadDump(path)
	default:
		err = fmt.Errorf("unknown model format %q", format)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Format: format, Err: err}
	}
	return m, nil
}

// rowMajor returns x's backing data as a contiguous row-major slice,
// copying only when x is a strided view.
func rowMajor(x *mat.Dense) (data []float64, rows, cols int) {
	raw := x.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols], raw.Rows, raw.Cols
	}
	data = make([]float64, 0, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		data = append(data, raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols]...)
	}
	return data, raw.Rows, raw.Cols
}
