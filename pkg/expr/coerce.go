package expr

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// coerceTypes brings both operands of a binary operator to one type.
// Dictionary columns are decoded first, so a dictionary-encoded feature
// compares equal to a string literal. Integers widen to the wider integer
// and any mix involving a float becomes Float64. Other mismatches are left
// for the kernel to reject. Both results are new references.
func coerceTypes(alloc memory.Allocator, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	l, err := unpack(alloc, left)
	if err != nil {
		return nil, nil, err
	}
	r, err := unpack(alloc, right)
	if err != nil {
		l.Release()
		return nil, nil, err
	}

	target, ok := commonType(l.DataType(), r.DataType())
	if !ok {
		return l, r, nil
	}
	if l, err = convert(alloc, l, target); err != nil {
		r.Release()
		return nil, nil, fmt.Errorf("coerce left operand: %w", err)
	}
	if r, err = convert(alloc, r, target); err != nil {
		l.Release()
		return nil, nil, fmt.Errorf("coerce right operand: %w", err)
	}
	return l, r, nil
}

// intWidth orders the integer types a mixed comparison can widen to.
var intWidth = map[arrow.Type]int{
	arrow.INT8: 1, arrow.UINT8: 1,
	arrow.INT16: 2, arrow.UINT16: 2,
	arrow.INT32: 3, arrow.UINT32: 3,
	arrow.INT64: 4,
}

// commonType reports the type two numeric operands meet at, and false when
// they already agree or are not both numeric.
func commonType(a, b arrow.DataType) (arrow.DataType, bool) {
	if arrow.TypeEqual(a, b) || !isNumeric(a.ID()) || !isNumeric(b.ID()) {
		return nil, false
	}
	if arrow.IsFloating(a.ID()) || arrow.IsFloating(b.ID()) {
		return arrow.PrimitiveTypes.Float64, true
	}
	wa, wb := intWidth[a.ID()], intWidth[b.ID()]
	switch {
	case wa == 0 || wb == 0:
		// UINT64 on either side.
		return arrow.PrimitiveTypes.Int64, true
	case arrow.IsUnsignedInteger(a.ID()) != arrow.IsUnsignedInteger(b.ID()):
		return arrow.PrimitiveTypes.Int64, true
	case wa >= wb:
		return a, true
	default:
		return b, true
	}
}

func isNumeric(t arrow.Type) bool {
	return arrow.IsInteger(t) || t == arrow.FLOAT32 || t == arrow.FLOAT64
}

// convert casts arr to target and releases arr.
func convert(alloc memory.Allocator, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	defer arr.Release()
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	ctx := compute.WithAllocator(context.Background(), alloc)
	return compute.CastArray(ctx, arr, compute.SafeCastOptions(target))
}

// unpack returns arr with dictionary columns decoded to their value type.
// The result is always a new reference.
func unpack(alloc memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	dict, ok := arr.(*array.Dictionary)
	if !ok {
		arr.Retain()
		return arr, nil
	}
	return decodeDictionary(alloc, dict)
}

// decodeDictionary materializes a string dictionary column as Utf8.
func decodeDictionary(alloc memory.Allocator, dict *array.Dictionary) (arrow.Array, error) {
	if id := dict.Dictionary().DataType().ID(); id != arrow.STRING && id != arrow.LARGE_STRING {
		return nil, fmt.Errorf("cannot decode dictionary with %s values", dict.Dictionary().DataType())
	}
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.Reserve(dict.Len())
	for i := 0; i < dict.Len(); i++ {
		if dict.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(stringValue(dict, i))
	}
	return bldr.NewArray(), nil
}
