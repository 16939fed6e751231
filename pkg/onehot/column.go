package onehot

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Column is a typed read view over an encoded column.
type Column struct {
	List   *array.List
	Keys   *array.String
	Values *array.Boolean
}

// View checks that arr has the encoded shape and returns typed accessors
// over it. Field nullability is not checked.
func View(arr arrow.Array) (Column, bool) {
	list, ok := arr.(*array.List)
	if !ok {
		return Column{}, false
	}
	st, ok := list.ListValues().(*array.Struct)
	if !ok || st.NumField() != 2 {
		return Column{}, false
	}
	fields := st.DataType().(*arrow.StructType)
	if fields.Field(0).Name != "key" || fields.Field(1).Name != "value" {
		return Column{}, false
	}
	keys, ok := st.Field(0).(*array.String)
	if !ok {
		return Column{}, false
	}
	values, ok := st.Field(1).(*array.Boolean)
	if !ok {
		return Column{}, false
	}
	return Column{List: list, Keys: keys, Values: values}, true
}

// Check returns the view of arr, or a *TypeMismatchError naming fn and pos.
func Check(fn string, pos int, arr arrow.Array) (Column, error) {
	col, ok := View(arr)
	if !ok {
		return Column{}, &TypeMismatchError{Func: fn, Position: pos, Expected: expectedEncoded, Actual: arr.DataType().String()}
	}
	return col, nil
}

// Len returns the number of rows.
func (c Column) Len() int { return c.List.Len() }

// Width returns the entry count of row, 0 for a null row.
func (c Column) Width(row int) int {
	if c.List.IsNull(row) {
		return 0
	}
	start, end := c.List.ValueOffsets(row)
	return int(end - start)
}

// Decode returns the entries of row, or nil for a null row.
func (c Column) Decode(row int) []Entry {
	if c.List.IsNull(row) {
		return nil
	}
	start, end := c.List.ValueOffsets(row)
	out := make([]Entry, 0, end-start)
	for i := int(start); i < int(end); i++ {
		out = append(out, Entry{Key: c.Keys.Value(i), Value: c.Values.Value(i)})
	}
	return out
}

// Hot returns the label whose indicator is set in row.
func (c Column) Hot(row int) (string, bool) {
	if c.List.IsNull(row) {
		return "", false
	}
	start, end := c.List.ValueOffsets(row)
	for i := int(start); i < int(end); i++ {
		if c.Values.Value(i) {
			return c.Keys.Value(i), true
		}
	}
	return "", false
}

// Labels returns the label order of the column, taken from its first
// non-null row. It is nil when every row is null.
func (c Column) Labels() []string {
	for row := 0; row < c.Len(); row++ {
		if c.List.IsNull(row) {
			continue
		}
		start, end := c.List.ValueOffsets(row)
		labels := make([]string, 0, end-start)
		for i := int(start); i < int(end); i++ {
			labels = append(labels, c.Keys.Value(i))
		}
		return labels
	}
	return nil
}
