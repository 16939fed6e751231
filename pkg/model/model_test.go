package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const twoTreeDump = `[
  {"nodeid": 0, "depth": 0, "split": "f0", "split_condition": 0.5, "yes": 1, "no": 2, "missing": 1,
   "children": [{"nodeid": 1, "leaf": -1.0}, {"nodeid": 2, "leaf": 1.0}]},
  {"nodeid": 0, "depth": 0, "split": "f2", "split_condition": 0.5, "yes": 1, "no": 2, "missing": 2,
   "children": [{"nodeid": 1, "leaf": 0.25}, {"nodeid": 2, "leaf": -0.25}]}
]`

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLoadJSONDump(t *testing.T) {
	path := writeFile(t, "model.json", twoTreeDump)

	m, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.NumFeatures() != 3 {
		t.Errorf("NumFeatures: got %d, want 3", m.NumFeatures())
	}

	nan := math.NaN()
	x := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 1,
		nan, 0, nan,
	})
	preds, err := m.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{sigmoid(1.25), sigmoid(-1.25), sigmoid(-1.25)}
	for i, w := range want {
		if !approxEqual(preds[i], w) {
			t.Errorf("row %d: got %v, want %v", i, preds[i], w)
		}
	}
}

func TestLoadWrappedDump(t *testing.T) {
	// Trees as JSON strings, the shape Booster.get_dump returns.
	content := `{"objective": "reg:squarederror", "base_score": 0.5, "trees": [
	  "{\"nodeid\":0,\"split\":\"f1\",\"split_condition\":0.5,\"yes\":1,\"no\":2,\"missing\":1,\"children\":[{\"nodeid\":1,\"leaf\":2},{\"nodeid\":2,\"leaf\":3}]}"
	]}`
	path := writeFile(t, "reg.json", content)

	m, err := Load(path, FormatXGBoostJSON)
	if err != nil {
		t.Fatal(err)
	}
	preds, err := m.Predict(mat.NewDense(2, 2, []float64{0, 0, 0, 1}))
	if err != nil {
		t.Fatal(err)
	}
	if preds[0] != 2.5 || preds[1] != 3.5 {
		t.Errorf("got %v, want [2.5 3.5]", preds)
	}
}

func TestPredictStridedView(t *testing.T) {
	path := writeFile(t, "model.json", twoTreeDump)
	m, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}

	full := mat.NewDense(2, 4, []float64{
		9, 1, 0, 0,
		9, 0, 1, 1,
	})
	view := full.Slice(0, 2, 1, 4).(*mat.Dense)
	preds, err := m.Predict(view)
	if err != nil {
		t.Fatal(err)
	}
	if !approxEqual(preds[0], sigmoid(1.25)) || !approxEqual(preds[1], sigmoid(-1.25)) {
		t.Errorf("got %v", preds)
	}
}

func TestPredictFeatureWidth(t *testing.T) {
	path := writeFile(t, "model.json", twoTreeDump)
	m, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Predict(mat.NewDense(1, 2, []float64{1, 0}))
	if !errors.Is(err, ErrFeatureWidth) {
		t.Fatalf("expected ErrFeatureWidth, got %v", err)
	}
	var fw *FeatureWidthError
	if !errors.As(err, &fw) || fw.Want != 3 || fw.Got != 2 {
		t.Errorf("got %#v", err)
	}
	if errors.Is(err, ErrInference) {
		t.Error("width error must not match ErrInference")
	}
}

func TestLoadLightGBMText(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "lightgbm_4f.txt"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.NumFeatures() != 4 {
		t.Fatalf("NumFeatures: got %d, want 4", m.NumFeatures())
	}

	preds, err := m.Predict(mat.NewDense(3, 4, []float64{
		0, 1, 1, 0,
		1, 0, 1, 0,
		1, 0, 0, 1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{1, 2, 3} {
		if !approxEqual(preds[i], want) {
			t.Errorf("row %d: got %v, want %v", i, preds[i], want)
		}
	}

	for _, cols := range []int{3, 5} {
		_, err := m.Predict(mat.NewDense(2, cols, nil))
		var fw *FeatureWidthError
		if !errors.As(err, &fw) || fw.Want != 4 || fw.Got != cols {
			t.Errorf("%d columns: expected a width error, got %v", cols, err)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		format  Format
	}{
		{"missing xgboost file", "", "", FormatXGBoost},
		{"missing lightgbm file", "", "", FormatLightGBM},
		{"corrupt xgboost file", "model.xgb", "not a model", FormatXGBoost},
		{"corrupt json", "model.json", "{", FormatXGBoostJSON},
		{"no trees", "model.json", "[]", FormatXGBoostJSON},
		{"named split", "model.json", `[{"nodeid":0,"split":"odor","split_condition":1,"yes":1,"no":2,"missing":1,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":1}]}]`, FormatXGBoostJSON},
		{"branch to non-child", "model.json", `[{"nodeid":0,"split":"f0","split_condition":1,"yes":0,"no":2,"missing":1,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":1}]}]`, FormatXGBoostJSON},
		{"bad base score", "model.json", `{"objective":"binary:logistic","base_score":1,"trees":[{"nodeid":0,"leaf":1}]}`, FormatXGBoostJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "absent.bin")
			if tt.file != "" {
				path = writeFile(t, tt.file, tt.content)
			}
			_, err := Load(path, tt.format)
			if !errors.Is(err, ErrModelLoad) {
				t.Fatalf("expected ErrModelLoad, got %v", err)
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("expected *LoadError, got %T", err)
			}
			if le.Path != path || le.Format != tt.format {
				t.Errorf("got path %q format %q", le.Path, le.Format)
			}
			if le.Err == nil {
				t.Error("LoadError without cause")
			}
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"model.xgb":        FormatXGBoost,
		"model.bin":        FormatXGBoost,
		"model":            FormatXGBoost,
		"dump.JSON":        FormatXGBoostJSON,
		"lgbm/model.txt":   FormatLightGBM,
		"/abs/path/m.json": FormatXGBoostJSON,
	}
	for path, want := range tests {
		if got := FormatFromPath(path); got != want {
			t.Errorf("FormatFromPath(%q) = %q, want %q", path, got, want)
		}
	}

	if _, err := ParseFormat("onnx"); err == nil {
		t.Error("expected error for unknown format")
	}
	if f, err := ParseFormat("LightGBM"); err != nil || f != FormatLightGBM {
		t.Errorf("ParseFormat(LightGBM) = %q, %v", f, err)
	}
}

type constModel struct{ score float64 }

func (c constModel) NumFeatures() int { return 0 }

func (c constModel) Predict(x *mat.Dense) ([]float64, error) {
	r, _ := x.Dims()
	out := make([]float64, r)
	for i := range out {
		out[i] = c.score
	}
	return out, nil
}

func TestCacheLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	cache := NewCache(func(path string, format Format) (Model, error) {
		loads.Add(1)
		<-release
		return constModel{score: 0.5}, nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get("model.xgb", FormatXGBoost); err != nil {
				errs <- err
			}
		}()
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if n := loads.Load(); n != 1 {
		t.Errorf("loads: got %d, want 1", n)
	}
	if cache.Len() != 1 {
		t.Errorf("Len: got %d, want 1", cache.Len())
	}

	cache.Invalidate("model.xgb")
	if _, err := cache.Get("model.xgb", FormatXGBoost); err != nil {
		t.Fatal(err)
	}
	if n := loads.Load(); n != 2 {
		t.Errorf("loads after Invalidate: got %d, want 2", n)
	}

	cache.Purge()
	if cache.Len() != 0 {
		t.Errorf("Len after Purge: got %d", cache.Len())
	}
}

func TestCacheKeysByFormat(t *testing.T) {
	var loads atomic.Int32
	cache := NewCache(func(path string, format Format) (Model, error) {
		loads.Add(1)
		if format == FormatXGBoostJSON {
			return constModel{score: 1}, nil
		}
		return constModel{score: 2}, nil
	})

	bin, err := cache.Get("m.xgb", FormatXGBoost)
	if err != nil {
		t.Fatal(err)
	}
	dump, err := cache.Get("m.xgb", FormatXGBoostJSON)
	if err != nil {
		t.Fatal(err)
	}
	if bin.(constModel).score != 2 || dump.(constModel).score != 1 {
		t.Errorf("got %v and %v, want distinct models per format", bin, dump)
	}
	if _, err := cache.Get("m.xgb", ""); err != nil {
		t.Fatal(err)
	}
	if n := loads.Load(); n != 2 {
		t.Errorf("loads: got %d, want 2 (inferred format shares the xgboost entry)", n)
	}

	cache.Invalidate("m.xgb")
	if cache.Len() != 0 {
		t.Errorf("Len after Invalidate: got %d, want 0", cache.Len())
	}
}

func TestCacheDoesNotKeepFailures(t *testing.T) {
	var loads atomic.Int32
	cache := NewCache(func(path string, format Format) (Model, error) {
		if loads.Add(1) == 1 {
			return nil, &LoadError{Path: path, Format: format, Err: os.ErrNotExist}
		}
		return constModel{}, nil
	})

	if _, err := cache.Get("m.xgb", FormatXGBoost); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if _, err := cache.Get("m.xgb", FormatXGBoost); err != nil {
		t.Fatalf("second Get: %v", err)
	}
}

func TestCachePreload(t *testing.T) {
	a := writeFile(t, "a.json", twoTreeDump)
	b := writeFile(t, "b.json", twoTreeDump)

	cache := NewCache(nil)
	if err := cache.Preload(t.Context(), "", a, b); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 2 {
		t.Errorf("Len: got %d, want 2", cache.Len())
	}

	err := cache.Preload(t.Context(), "", filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrModelLoad) {
		t.Errorf("expected ErrModelLoad, got %v", err)
	}
}
