package expr

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Row accessors used by the row-at-a-time builtins and CASE. They read
// through dictionaries and convert between numeric types; a value of a type
// they do not know reads as the zero value.

// appendValue appends src[row] to bldr, converting to the builder's type.
func appendValue(bldr array.Builder, src arrow.Array, row int) {
	if src.IsNull(row) {
		bldr.AppendNull()
		return
	}
	switch b := bldr.(type) {
	case *array.BooleanBuilder:
		b.Append(boolValue(src, row))
	case *array.Int32Builder:
		b.Append(int32(intValue(src, row)))
	case *array.Int64Builder:
		b.Append(intValue(src, row))
	case *array.Float32Builder:
		b.Append(float32(floatValue(src, row)))
	case *array.Float64Builder:
		b.Append(floatValue(src, row))
	case *array.StringBuilder:
		b.Append(stringValue(src, row))
	default:
		bldr.AppendNull()
	}
}

func stringValue(arr arrow.Array, row int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Dictionary:
		return stringValue(a.Dictionary(), a.GetValueIndex(row))
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	case *array.Float32:
		return strconv.FormatFloat(float64(a.Value(row)), 'f', -1, 32)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(row), 'f', -1, 64)
	}
	if arrow.IsInteger(arr.DataType().ID()) {
		return strconv.FormatInt(intValue(arr, row), 10)
	}
	return arr.ValueStr(row)
}

func intValue(arr arrow.Array, row int) int64 {
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(row))
	case *array.Int16:
		return int64(a.Value(row))
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Int64:
		return a.Value(row)
	case *array.Uint8:
		return int64(a.Value(row))
	case *array.Uint16:
		return int64(a.Value(row))
	case *array.Uint32:
		return int64(a.Value(row))
	case *array.Uint64:
		return int64(a.Value(row))
	case *array.Float32:
		return int64(a.Value(row))
	case *array.Float64:
		return int64(a.Value(row))
	}
	return 0
}

func floatValue(arr arrow.Array, row int) float64 {
	switch a := arr.(type) {
	case *array.Float32:
		return float64(a.Value(row))
	case *array.Float64:
		return a.Value(row)
	}
	return float64(intValue(arr, row))
}

func boolValue(arr arrow.Array, row int) bool {
	b, ok := arr.(*array.Boolean)
	return ok && b.Value(row)
}
