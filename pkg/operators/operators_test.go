package operators

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"gonum.org/v1/gonum/mat"

	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/operator"
	"github.com/sandboxws/boostsql/pkg/udf"
)

// ── Test helpers ────────────────────────────────────────────────────

func newCtx(alloc memory.Allocator) *operator.Context {
	return operator.NewContext(context.Background(), alloc, "test-op", "test")
}

func makeBatch(alloc memory.Allocator, names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType()}
	}
	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrays, int64(arrays[0].Len()))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func makeInt64Arr(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeStringArr(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	for _, v := range vals {
		bldr.Append(v)
	}
	return bldr.NewArray()
}

// hotCount scores a row with its number of hot indicators.
type hotCount struct{}

func (hotCount) NumFeatures() int { return 0 }

func (hotCount) Predict(x *mat.Dense) ([]float64, error) {
	r, _ := x.Dims()
	out := make([]float64, r)
	for i := range out {
		out[i] = mat.Sum(x.RowView(i))
	}
	return out, nil
}

// ── Filter tests ────────────────────────────────────────────────────

func TestFilter(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"amount", "country"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{50, 150, 100, 200}),
			makeStringArr(alloc, []string{"US", "UK", "US", "CA"}),
		})
	defer batch.Release()

	f := NewFilter("amount > 100")
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	results, err := f.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result batch, got %d", len(results))
	}
	defer results[0].Release()

	if results[0].NumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", results[0].NumRows())
	}

	amounts := results[0].Column(0).(*array.Int64)
	if amounts.Value(0) != 150 || amounts.Value(1) != 200 {
		t.Errorf("unexpected amounts: %v, %v", amounts.Value(0), amounts.Value(1))
	}
}

func TestFilterNoMatches(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"x"},
		[]arrow.Array{makeInt64Arr(alloc, []int64{1, 2, 3})})
	defer batch.Release()

	f := NewFilter("x > 100")
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	results, err := f.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		for _, r := range results {
			r.Release()
		}
		t.Fatalf("expected 0 result batches, got %d", len(results))
	}
}

// ── Map tests ───────────────────────────────────────────────────────

func TestMap(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"price", "name"},
		[]arrow.Array{
			makeInt64Arr(alloc, []int64{10, 20, 30}),
			makeStringArr(alloc, []string{"a", "b", "c"}),
		})
	defer batch.Release()

	m := NewMap([]MapColumn{
		{Name: "upper_name", Expr: "UPPER(name)"},
		{Name: "double_price", Expr: "price * 2"},
	})
	if err := m.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	results, err := m.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	defer results[0].Release()

	if results[0].NumCols() != 2 || results[0].NumRows() != 3 {
		t.Fatalf("expected 3x2, got %dx%d", results[0].NumRows(), results[0].NumCols())
	}

	// Columns keep the configured order.
	schema := results[0].Schema()
	if schema.Field(0).Name != "upper_name" || schema.Field(1).Name != "double_price" {
		t.Errorf("unexpected column order: %s", schema)
	}

	names := results[0].Column(0).(*array.String)
	if names.Value(0) != "A" || names.Value(1) != "B" || names.Value(2) != "C" {
		t.Errorf("unexpected names: %q, %q, %q", names.Value(0), names.Value(1), names.Value(2))
	}
	prices := results[0].Column(1).(*array.Int64)
	if prices.Value(0) != 20 || prices.Value(1) != 40 || prices.Value(2) != 60 {
		t.Errorf("unexpected prices: %v, %v, %v", prices.Value(0), prices.Value(1), prices.Value(2))
	}
}

func TestMapOpenErrors(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	tests := []struct {
		name    string
		columns []MapColumn
	}{
		{"no columns", nil},
		{"duplicate", []MapColumn{{Name: "a", Expr: "x"}, {Name: "a", Expr: "y"}}},
		{"bad sql", []MapColumn{{Name: "a", Expr: "x +"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewMap(tt.columns).Open(newCtx(alloc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMapScoresWithRegisteredFunctions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	ctx := newCtx(alloc)
	cache := model.NewCache(func(string, model.Format) (model.Model, error) {
		return hotCount{}, nil
	})
	if err := udf.Register(ctx.Functions, udf.Config{Cache: cache}); err != nil {
		t.Fatal(err)
	}

	batch := makeBatch(alloc, []string{"cap_shape", "odor"},
		[]arrow.Array{
			makeStringArr(alloc, []string{"x", "b", "x"}),
			makeStringArr(alloc, []string{"n", "n", "a"}),
		})
	defer batch.Release()

	m := NewMap([]MapColumn{
		{Name: "cap_shape", Expr: "cap_shape"},
		{Name: "score", Expr: "predict(onehot(arrow_cast(cap_shape, 'Dictionary(Int32, Utf8)')), onehot(arrow_cast(odor, 'Dictionary(Int32, Utf8)')))"},
	})
	if err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	results, err := m.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer results[0].Release()

	scores, ok := results[0].Column(1).(*array.Float32)
	if !ok {
		t.Fatalf("score column is %s", results[0].Column(1).DataType())
	}
	for i := 0; i < scores.Len(); i++ {
		if scores.Value(i) != 2 {
			t.Errorf("row %d: got %v, want 2", i, scores.Value(i))
		}
	}
}

// ── Cast tests ──────────────────────────────────────────────────────

func TestCastToDictionary(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch(alloc, []string{"class", "n"},
		[]arrow.Array{
			makeStringArr(alloc, []string{"p", "e", "p"}),
			makeInt64Arr(alloc, []int64{1, 2, 3}),
		})
	defer batch.Release()

	dictType := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	c := NewCast([]CastColumn{
		{Name: "class", TargetType: dictType},
		{Name: "n", TargetType: arrow.PrimitiveTypes.Float64},
	})
	if err := c.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	results, err := c.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer results[0].Release()

	dict := results[0].Column(0).(*array.Dictionary)
	if labels := dict.Dictionary().(*array.String); labels.Value(0) != "p" || labels.Value(1) != "e" {
		t.Errorf("labels not in first-appearance order: %v", labels)
	}
	if results[0].Column(1).DataType().ID() != arrow.FLOAT64 {
		t.Errorf("n cast to %s", results[0].Column(1).DataType())
	}
}

func TestCastFixedCategoriesKeepWidth(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	dictType := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	c := NewCast([]CastColumn{{Name: "odor", TargetType: dictType, Categories: []string{"a", "l", "n"}}})
	if err := c.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, vals := range [][]string{{"n", "n"}, {"a", "z"}} {
		batch := makeBatch(alloc, []string{"odor"}, []arrow.Array{makeStringArr(alloc, vals)})
		results, err := c.ProcessBatch(batch)
		batch.Release()
		if err != nil {
			t.Fatal(err)
		}
		dict := results[0].Column(0).(*array.Dictionary)
		if dict.Dictionary().Len() != 3 {
			t.Errorf("%v: dictionary size %d, want 3", vals, dict.Dictionary().Len())
		}
		if vals[1] == "z" && !dict.IsNull(1) {
			t.Error("unknown category should be null")
		}
		results[0].Release()
	}

	bad := NewCast([]CastColumn{{Name: "odor", TargetType: arrow.PrimitiveTypes.Int64, Categories: []string{"a"}}})
	if err := bad.Open(newCtx(alloc)); err == nil {
		t.Error("expected error for categories on a non-dictionary target")
	}
}

func TestFilterVariedSizes(t *testing.T) {
	sizes := []int{1, 100, 4096, 8192}

	for _, size := range sizes {
		alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)

		vals := make([]int64, size)
		for i := range vals {
			vals[i] = int64(i)
		}
		batch := makeBatch(alloc, []string{"x"},
			[]arrow.Array{makeInt64Arr(alloc, vals)})

		f := NewFilter("x >= 0")
		if err := f.Open(newCtx(alloc)); err != nil {
			batch.Release()
			t.Fatal(err)
		}

		results, err := f.ProcessBatch(batch)
		if err != nil {
			batch.Release()
			f.Close()
			t.Fatal(err)
		}

		if len(results) != 1 || results[0].NumRows() != int64(size) {
			t.Errorf("size=%d: expected %d rows, got %d", size, size, results[0].NumRows())
		}
		for _, r := range results {
			r.Release()
		}
		batch.Release()
		f.Close()
		alloc.AssertSize(t, 0)
	}
}
