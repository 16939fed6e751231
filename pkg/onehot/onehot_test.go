package onehot

import (
	"errors"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// makeDict builds a Dictionary(Int32, Utf8) array from explicit labels and
// indices. A negative index marks a null row.
func makeDict(t *testing.T, alloc memory.Allocator, labels []string, indices []int32) *array.Dictionary {
	t.Helper()

	vb := array.NewStringBuilder(alloc)
	vb.AppendValues(labels, nil)
	values := vb.NewArray()
	vb.Release()
	defer values.Release()

	ib := array.NewInt32Builder(alloc)
	for _, idx := range indices {
		if idx < 0 {
			ib.AppendNull()
			continue
		}
		ib.Append(idx)
	}
	idx := ib.NewArray()
	ib.Release()
	defer idx.Release()

	dt := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	return array.NewDictionaryArray(dt, idx, values)
}

func TestEncodeTwoRows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	dict := makeDict(t, alloc, []string{"a", "b"}, []int32{0, 1})
	defer dict.Release()

	list, err := Encode(alloc, dict)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer list.Release()

	if !arrow.TypeEqual(list.DataType(), EncodedType) {
		t.Fatalf("type: got %s, want %s", list.DataType(), EncodedType)
	}

	col, ok := View(list)
	if !ok {
		t.Fatal("View rejected Encode output")
	}
	want := [][]Entry{
		{{"a", true}, {"b", false}},
		{{"a", false}, {"b", true}},
	}
	for row, w := range want {
		if got := col.Decode(row); !reflect.DeepEqual(got, w) {
			t.Errorf("row %d: got %v, want %v", row, got, w)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	labels := []string{"x", "s", "b", "f", "k", "c"}
	indices := []int32{0, 0, 1, 5, 3, 2, 4, 4, 1, 0, 5}

	dict := makeDict(t, alloc, labels, indices)
	defer dict.Release()

	list, err := Encode(alloc, dict)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Release()

	col, _ := View(list)
	for row, idx := range indices {
		hot, ok := col.Hot(row)
		if !ok {
			t.Fatalf("row %d: no hot entry", row)
		}
		if hot != labels[idx] {
			t.Errorf("row %d: hot %q, want %q", row, hot, labels[idx])
		}
		count := 0
		for _, e := range col.Decode(row) {
			if e.Value {
				count++
			}
		}
		if count != 1 {
			t.Errorf("row %d: %d indicators set, want exactly 1", row, count)
		}
	}
}

func TestEncodeOrderStable(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Labels deliberately out of lexical order.
	labels := []string{"p", "e", "a"}
	d1 := makeDict(t, alloc, labels, []int32{2, 0, 1})
	defer d1.Release()
	d2 := makeDict(t, alloc, labels, []int32{1, 1})
	defer d2.Release()

	l1, err := Encode(alloc, d1)
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()
	l2, err := Encode(alloc, d2)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Release()

	c1, _ := View(l1)
	c2, _ := View(l2)
	if !reflect.DeepEqual(c1.Labels(), labels) {
		t.Errorf("column 1 labels: got %v, want %v", c1.Labels(), labels)
	}
	if !reflect.DeepEqual(c1.Labels(), c2.Labels()) {
		t.Errorf("label order differs: %v vs %v", c1.Labels(), c2.Labels())
	}
	for row := 0; row < c1.Len(); row++ {
		keys := make([]string, 0, len(labels))
		for _, e := range c1.Decode(row) {
			keys = append(keys, e.Key)
		}
		if !reflect.DeepEqual(keys, labels) {
			t.Errorf("row %d keys: got %v, want %v", row, keys, labels)
		}
	}
}

func TestEncodeEmptyDictionary(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	dict := makeDict(t, alloc, nil, []int32{0, 0, 0})
	defer dict.Release()

	list, err := Encode(alloc, dict)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Release()

	if list.Len() != 3 {
		t.Fatalf("rows: got %d, want 3", list.Len())
	}
	col, _ := View(list)
	for row := 0; row < 3; row++ {
		if w := col.Width(row); w != 0 {
			t.Errorf("row %d: width %d, want 0", row, w)
		}
		if list.IsNull(row) {
			t.Errorf("row %d: expected empty list, got null", row)
		}
	}
}

func TestEncodeNullRows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	dict := makeDict(t, alloc, []string{"a", "b"}, []int32{0, -1, 1})
	defer dict.Release()

	list, err := Encode(alloc, dict)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Release()

	if !list.IsNull(1) {
		t.Fatal("expected null row to encode to a null list")
	}
	col, _ := View(list)
	if col.Decode(1) != nil {
		t.Error("Decode of null row should be nil")
	}
	if hot, _ := col.Hot(2); hot != "b" {
		t.Errorf("row 2: hot %q, want b", hot)
	}
}

func TestEncodeNullCategory(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	vb := array.NewStringBuilder(alloc)
	vb.AppendValues([]string{"a", ""}, []bool{true, false})
	values := vb.NewArray()
	vb.Release()
	defer values.Release()

	ib := array.NewInt32Builder(alloc)
	ib.AppendValues([]int32{0, 1}, nil)
	idx := ib.NewArray()
	ib.Release()
	defer idx.Release()

	dt := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}
	dict := array.NewDictionaryArray(dt, idx, values)
	defer dict.Release()

	_, err := Encode(alloc, dict)
	if !errors.Is(err, ErrNullCategory) {
		t.Fatalf("expected ErrNullCategory, got %v", err)
	}
}

func TestEncodeTypeMismatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	sb := array.NewStringBuilder(alloc)
	sb.AppendValues([]string{"a", "b"}, nil)
	plain := sb.NewArray()
	sb.Release()
	defer plain.Release()

	ib := array.NewInt64Builder(alloc)
	ib.AppendValues([]int64{1, 2}, nil)
	ints := ib.NewArray()
	ib.Release()
	defer ints.Release()

	vals := array.NewInt64Builder(alloc)
	vals.AppendValues([]int64{7, 8}, nil)
	dictValues := vals.NewArray()
	vals.Release()
	defer dictValues.Release()
	idxb := array.NewInt8Builder(alloc)
	idxb.AppendValues([]int8{0, 1}, nil)
	idx := idxb.NewArray()
	idxb.Release()
	defer idx.Release()
	intDict := array.NewDictionaryArray(
		&arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int8, ValueType: arrow.PrimitiveTypes.Int64},
		idx, dictValues)
	defer intDict.Release()

	tests := []struct {
		name string
		arr  arrow.Array
	}{
		{"plain utf8", plain},
		{"int64", ints},
		{"dictionary of int64", intDict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(alloc, tt.arr)
			if !errors.Is(err, ErrTypeMismatch) {
				t.Fatalf("expected ErrTypeMismatch, got %v", err)
			}
			var tm *TypeMismatchError
			if !errors.As(err, &tm) {
				t.Fatalf("expected *TypeMismatchError, got %T", err)
			}
			if tm.Position != 1 || tm.Func != "onehot" {
				t.Errorf("got func %q position %d", tm.Func, tm.Position)
			}
			if tm.Actual != tt.arr.DataType().String() {
				t.Errorf("actual: got %q, want %q", tm.Actual, tt.arr.DataType().String())
			}
		})
	}
}

func TestEncodeAcceptsOtherIndexTypes(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	bldr := array.NewDictionaryBuilder(alloc, &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Uint16,
		ValueType: arrow.BinaryTypes.LargeString,
	}).(*array.BinaryDictionaryBuilder)
	for _, s := range []string{"y", "n", "y"} {
		if err := bldr.AppendString(s); err != nil {
			t.Fatal(err)
		}
	}
	dict := bldr.NewDictionaryArray()
	bldr.Release()
	defer dict.Release()

	list, err := Encode(alloc, dict)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Release()

	col, _ := View(list)
	if got := col.Labels(); !reflect.DeepEqual(got, []string{"y", "n"}) {
		t.Errorf("labels: got %v", got)
	}
	if hot, _ := col.Hot(1); hot != "n" {
		t.Errorf("row 1: hot %q, want n", hot)
	}
}

// TestEncodeMushroomClass mirrors the class column of the 8124-row mushrooms
// dataset, where "p" appears first and so precedes "e" in the dictionary.
func TestEncodeMushroomClass(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	const rows = 8124
	head := []int32{0, 1, 1, 0, 1}
	indices := make([]int32, rows)
	for i := range indices {
		if i < len(head) {
			indices[i] = head[i]
		} else {
			indices[i] = int32(i % 2)
		}
	}

	dict := makeDict(t, alloc, []string{"p", "e"}, indices)
	defer dict.Release()

	list, err := Encode(alloc, dict)
	if err != nil {
		t.Fatal(err)
	}
	defer list.Release()

	if list.Len() != rows {
		t.Fatalf("rows: got %d, want %d", list.Len(), rows)
	}
	col, _ := View(list)
	if got, want := col.Decode(0), []Entry{{"p", true}, {"e", false}}; !reflect.DeepEqual(got, want) {
		t.Errorf("row 0: got %v, want %v", got, want)
	}
	if got, want := col.Decode(1), []Entry{{"p", false}, {"e", true}}; !reflect.DeepEqual(got, want) {
		t.Errorf("row 1: got %v, want %v", got, want)
	}
}

func TestCheckRejectsNonEncoded(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	lb := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Int64)
	lb.Append(true)
	lb.ValueBuilder().(*array.Int64Builder).Append(1)
	list := lb.NewArray()
	lb.Release()
	defer list.Release()

	_, err := Check("predict", 3, list)
	var tm *TypeMismatchError
	if !errors.As(err, &tm) {
		t.Fatalf("expected *TypeMismatchError, got %v", err)
	}
	if tm.Func != "predict" || tm.Position != 3 {
		t.Errorf("got func %q position %d", tm.Func, tm.Position)
	}
}

func BenchmarkEncode(b *testing.B) {
	alloc := memory.NewGoAllocator()

	labels := []string{"b", "c", "x", "f", "k", "s"}
	indices := make([]int32, 8124)
	for i := range indices {
		indices[i] = int32(i % len(labels))
	}

	vb := array.NewStringBuilder(alloc)
	vb.AppendValues(labels, nil)
	values := vb.NewArray()
	vb.Release()
	ib := array.NewInt32Builder(alloc)
	ib.AppendValues(indices, nil)
	idx := ib.NewArray()
	ib.Release()
	dict := array.NewDictionaryArray(
		&arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String},
		idx, values)
	values.Release()
	idx.Release()
	defer dict.Release()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		list, err := Encode(alloc, dict)
		if err != nil {
			b.Fatal(err)
		}
		list.Release()
	}
}
