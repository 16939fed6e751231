package udf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/matrix"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/onehot"
)

// stumpDump scores 1 when f0 is set and -1 otherwise, through the logistic link.
const stumpDump = `[{"nodeid":0,"split":"f0","split_condition":0.5,"yes":1,"no":2,"missing":1,
  "children":[{"nodeid":1,"leaf":-1},{"nodeid":2,"leaf":1}]}]`

// rowSum is a model whose score is the number of hot indicators in a row.
type rowSum struct{ width int }

func (m rowSum) NumFeatures() int { return m.width }

func (m rowSum) Predict(x *mat.Dense) ([]float64, error) {
	r, c := x.Dims()
	if c < m.width {
		return nil, &model.FeatureWidthError{Want: m.width, Got: c}
	}
	out := make([]float64, r)
	for i := range out {
		out[i] = mat.Sum(x.RowView(i))
	}
	return out, nil
}

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func makeStrings(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeBatch(alloc memory.Allocator, names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType(), Nullable: true}
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, int64(arrays[0].Len()))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// encodeStrings dictionary-encodes vals in first-appearance order and one-hot
// encodes the result.
func encodeStrings(t testing.TB, alloc memory.Allocator, vals []string) arrow.Array {
	t.Helper()
	bldr := array.NewDictionaryBuilder(alloc, &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Int32,
		ValueType: arrow.BinaryTypes.String,
	}).(*array.BinaryDictionaryBuilder)
	defer bldr.Release()
	for _, v := range vals {
		if err := bldr.AppendString(v); err != nil {
			t.Fatal(err)
		}
	}
	dict := bldr.NewDictionaryArray()
	defer dict.Release()

	list, err := onehot.Encode(alloc, dict)
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func TestScoreWithTreeDump(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	m, err := model.Load(writeModel(t, stumpDump), "")
	if err != nil {
		t.Fatal(err)
	}

	// Labels in order a, b: f0 is "a".
	cap := encodeStrings(t, alloc, []string{"a", "b", "b", "a"})
	defer cap.Release()

	scores, err := Score(alloc, m, []arrow.Array{cap})
	if err != nil {
		t.Fatal(err)
	}
	defer scores.Release()

	if scores.Len() != 4 {
		t.Fatalf("rows: got %d, want 4", scores.Len())
	}
	hi := float32(1 / (1 + math.Exp(-1)))
	lo := float32(1 / (1 + math.Exp(1)))
	for i, w := range []float32{hi, lo, lo, hi} {
		if scores.Value(i) != w {
			t.Errorf("[%d]: got %v, want %v", i, scores.Value(i), w)
		}
	}
}

func TestScoreOneRowPerInput(t *testing.T) {
	for _, n := range []int{1, 4, 21} {
		t.Run(fmt.Sprintf("%d columns", n), func(t *testing.T) {
			alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
			defer alloc.AssertSize(t, 0)

			const rows = 7
			cols := make([]arrow.Array, n)
			for i := range cols {
				vals := make([]string, rows)
				for r := range vals {
					vals[r] = fmt.Sprintf("v%d", (r+i)%3)
				}
				cols[i] = encodeStrings(t, alloc, vals)
			}
			defer func() {
				for _, c := range cols {
					c.Release()
				}
			}()

			scores, err := Score(alloc, rowSum{}, cols)
			if err != nil {
				t.Fatal(err)
			}
			defer scores.Release()

			if scores.Len() != rows {
				t.Fatalf("rows: got %d, want %d", scores.Len(), rows)
			}
			for i := 0; i < rows; i++ {
				if scores.Value(i) != float32(n) {
					t.Errorf("[%d]: got %v, want %d", i, scores.Value(i), n)
				}
			}
		})
	}
}

func TestPredictorZeroRowsSkipsModel(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	var loads atomic.Int32
	cache := model.NewCache(func(string, model.Format) (model.Model, error) {
		loads.Add(1)
		return rowSum{}, nil
	})
	p := NewPredictor(cache, "", "")
	if p.Path() != model.DefaultPath {
		t.Errorf("default path: got %q", p.Path())
	}

	empty := encodeStrings(t, alloc, nil)
	defer empty.Release()

	out, err := p.Predict(context.Background(), alloc, []arrow.Array{empty})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if out.Len() != 0 {
		t.Errorf("rows: got %d, want 0", out.Len())
	}
	if loads.Load() != 0 {
		t.Error("model loaded for an empty batch")
	}
}

func TestPredictorErrors(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()

	a := encodeStrings(t, alloc, []string{"x", "y"})
	defer a.Release()
	short := encodeStrings(t, alloc, []string{"x"})
	defer short.Release()
	plain := makeStrings(alloc, []string{"x", "y"})
	defer plain.Release()

	t.Run("missing model file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.xgb")
		p := NewPredictor(nil, path, "")
		_, err := p.Predict(ctx, alloc, []arrow.Array{a})
		var le *model.LoadError
		if !errors.As(err, &le) {
			t.Fatalf("expected *model.LoadError, got %v", err)
		}
		if le.Path != path || le.Format != model.FormatXGBoost {
			t.Errorf("got path %q, format %q", le.Path, le.Format)
		}
	})

	t.Run("feature width", func(t *testing.T) {
		cache := model.NewCache(func(string, model.Format) (model.Model, error) {
			return rowSum{width: 5}, nil
		})
		_, err := NewPredictor(cache, "m", "").Predict(ctx, alloc, []arrow.Array{a})
		if !errors.Is(err, model.ErrFeatureWidth) {
			t.Fatalf("expected ErrFeatureWidth, got %v", err)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		cache := model.NewCache(func(string, model.Format) (model.Model, error) { return rowSum{}, nil })
		_, err := NewPredictor(cache, "m", "").Predict(ctx, alloc, []arrow.Array{a, plain})
		var tm *onehot.TypeMismatchError
		if !errors.As(err, &tm) {
			t.Fatalf("expected *onehot.TypeMismatchError, got %v", err)
		}
		if tm.Func != "predict" || tm.Position != 2 {
			t.Errorf("got %s argument %d", tm.Func, tm.Position)
		}
	})

	t.Run("row count mismatch", func(t *testing.T) {
		cache := model.NewCache(func(string, model.Format) (model.Model, error) { return rowSum{}, nil })
		_, err := NewPredictor(cache, "m", "").Predict(ctx, alloc, []arrow.Array{a, short})
		if !errors.Is(err, matrix.ErrRowCountMismatch) {
			t.Fatalf("expected row count error, got %v", err)
		}
	})
}

func TestRegisterAndEvaluate(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()

	var loads atomic.Int32
	cache := model.NewCache(func(string, model.Format) (model.Model, error) {
		loads.Add(1)
		return rowSum{}, nil
	})
	reg := expr.NewRegistry()
	if err := Register(reg, Config{Cache: cache, PredictArity: 2}); err != nil {
		t.Fatal(err)
	}
	ev := expr.NewEvaluator(alloc, reg)

	batch := makeBatch(alloc, []string{"cap_shape", "bruises", "class"}, []arrow.Array{
		makeStrings(alloc, []string{"x", "b", "x"}),
		makeStrings(alloc, []string{"t", "f", "f"}),
		makeStrings(alloc, []string{"p", "e", "e"}),
	})
	defer batch.Release()

	encoded, err := ev.Eval(ctx, batch, "onehot(arrow_cast(class, 'Dictionary(Int32, Utf8)'))")
	if err != nil {
		t.Fatal(err)
	}
	defer encoded.Release()
	col, ok := onehot.View(encoded)
	if !ok {
		t.Fatalf("onehot returned %s", encoded.DataType())
	}
	if hot, _ := col.Hot(0); hot != "p" {
		t.Errorf("row 0: hot %q, want p", hot)
	}

	const predictSQL = "predict(onehot(arrow_cast(cap_shape, 'Dictionary(Int32, Utf8)')), onehot(arrow_cast(bruises, 'Dictionary(Int32, Utf8)')))"
	for i := 0; i < 3; i++ {
		scores, err := ev.Eval(ctx, batch, predictSQL)
		if err != nil {
			t.Fatal(err)
		}
		f32 := scores.(*array.Float32)
		if f32.Len() != 3 || f32.Value(0) != 2 {
			t.Errorf("scores: got %v", f32)
		}
		scores.Release()
	}
	if loads.Load() != 1 {
		t.Errorf("model loaded %d times, want 1", loads.Load())
	}

	_, err = ev.Eval(ctx, batch, "predict(onehot(arrow_cast(cap_shape, 'Dictionary(Int32, Utf8)')))")
	if !errors.Is(err, expr.ErrArity) {
		t.Errorf("expected ErrArity for fixed arity, got %v", err)
	}

	_, err = ev.Eval(ctx, batch, "onehot(class)")
	if !errors.Is(err, onehot.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}

	if err := Register(reg, Config{}); !errors.Is(err, expr.ErrDuplicateFunction) {
		t.Errorf("expected duplicate registration error, got %v", err)
	}
}

func BenchmarkPredict(b *testing.B) {
	alloc := memory.NewGoAllocator()
	cols := make([]arrow.Array, 21)
	for i := range cols {
		vals := make([]string, 8124)
		for r := range vals {
			vals[r] = fmt.Sprintf("c%d", (r*(i+1))%(2+i%6))
		}
		cols[i] = encodeStrings(b, alloc, vals)
		defer cols[i].Release()
	}
	p := NewPredictor(model.NewCache(func(string, model.Format) (model.Model, error) {
		return rowSum{}, nil
	}), "bench", "")

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out, err := p.Predict(ctx, alloc, cols)
		if err != nil {
			b.Fatal(err)
		}
		out.Release()
	}
}
