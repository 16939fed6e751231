package model

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad is matched by every *LoadError.
	ErrModelLoad = errors.New("model load failed")

	// ErrFeatureWidth is matched by every *FeatureWidthError.
	ErrFeatureWidth = errors.New("feature width mismatch")

	// ErrInference is matched by every *InferenceError.
	ErrInference = errors.New("inference failed")

	// ErrUnsupportedModel is returned for models that produce more than one
	// output per row.
	ErrUnsupportedModel = errors.New("unsupported model")
)

// LoadError reports a model file that could not be read or parsed.
type LoadError struct {
	Path   string
	Format Format
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s model %q: %v", e.Format, e.Path, e.Err)
}

// Is reports ErrModelLoad; Unwrap exposes the cause.
func (e *LoadError) Is(target error) bool { return target == ErrModelLoad }

func (e *LoadError) Unwrap() error { return e.Err }

// FeatureWidthError reports an input matrix whose width the model cannot
// score: narrower than a tree dump references, or not exactly the width a
// leaves ensemble was trained on.
type FeatureWidthError struct {
	Want int
	Got  int
}

func (e *FeatureWidthError) Error() string {
	return fmt.Sprintf("model expects %d features, input has %d", e.Want, e.Got)
}

func (e *FeatureWidthError) Unwrap() error { return ErrFeatureWidth }

// InferenceError wraps a failure inside the inference library.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: %v", e.Err)
}

func (e *InferenceError) Is(target error) bool { return target == ErrInference }

func (e *InferenceError) Unwrap() error { return e.Err }
