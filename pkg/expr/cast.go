package expr

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/sandboxws/boostsql/pkg/arrow/helpers"
)

// castFunc takes its target type as a string literal, so it is resolved by
// the evaluator rather than the registry.
const castFunc = "arrow_cast"

var namedTypes = map[string]arrow.DataType{
	"int8":      arrow.PrimitiveTypes.Int8,
	"int16":     arrow.PrimitiveTypes.Int16,
	"int32":     arrow.PrimitiveTypes.Int32,
	"int64":     arrow.PrimitiveTypes.Int64,
	"uint8":     arrow.PrimitiveTypes.Uint8,
	"uint16":    arrow.PrimitiveTypes.Uint16,
	"uint32":    arrow.PrimitiveTypes.Uint32,
	"uint64":    arrow.PrimitiveTypes.Uint64,
	"float32":   arrow.PrimitiveTypes.Float32,
	"float64":   arrow.PrimitiveTypes.Float64,
	"boolean":   arrow.FixedWidthTypes.Boolean,
	"utf8":      arrow.BinaryTypes.String,
	"largeutf8": arrow.BinaryTypes.LargeString,
}

// ParseArrowType parses a type name such as "Int64", "Utf8" or
// "Dictionary(Int32, Utf8)". Names are case-insensitive.
func ParseArrowType(s string) (arrow.DataType, error) {
	norm := strings.ToLower(strings.Join(strings.Fields(s), ""))
	if dt, ok := namedTypes[norm]; ok {
		return dt, nil
	}

	inner, ok := strings.CutPrefix(norm, "dictionary(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return nil, fmt.Errorf("unsupported arrow type %q", s)
	}
	key, value, ok := strings.Cut(strings.TrimSuffix(inner, ")"), ",")
	if !ok {
		return nil, fmt.Errorf("dictionary type %q needs key and value types", s)
	}
	kt, ok := namedTypes[key]
	if !ok || !arrow.IsInteger(kt.ID()) {
		return nil, fmt.Errorf("dictionary key type %q must be an integer type", key)
	}
	if value != "utf8" {
		return nil, fmt.Errorf("dictionary value type %q is not supported, use Utf8", value)
	}
	return &arrow.DictionaryType{IndexType: kt, ValueType: arrow.BinaryTypes.String}, nil
}

// evalArrowCast evaluates arrow_cast(expr, 'Type').
func (ev *Evaluator) evalArrowCast(ctx context.Context, batch arrow.Record, expr *ast.FuncCallExpr) (arrow.Array, error) {
	if len(expr.Args) != 2 {
		return nil, fmt.Errorf("%s requires 2 arguments, got %d: %w", castFunc, len(expr.Args), ErrArity)
	}
	lit, ok := expr.Args[1].(*test_driver.ValueExpr)
	if !ok || lit.Datum.Kind() != test_driver.KindString {
		return nil, fmt.Errorf("%s: second argument must be a string literal naming a type", castFunc)
	}
	target, err := ParseArrowType(lit.Datum.GetString())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", castFunc, err)
	}

	arg, err := ev.eval(ctx, batch, expr.Args[0])
	if err != nil {
		return nil, err
	}
	defer arg.Release()

	out, err := Cast(ctx, ev.alloc, arg, target)
	if err != nil {
		return nil, fmt.Errorf("%s(%s, '%s'): %w", castFunc, arg.DataType(), target, err)
	}
	return out, nil
}

// Cast converts arr to target. Dictionary targets assign indices in
// first-appearance order; dictionary sources are decoded first. The caller
// must Release() the result.
func Cast(ctx context.Context, alloc memory.Allocator, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	if dt, ok := target.(*arrow.DictionaryType); ok {
		dict, err := helpers.DictionaryEncode(alloc, arr, dt.IndexType)
		if err != nil {
			return nil, err
		}
		return dict, nil
	}

	src := arr
	if dict, ok := arr.(*array.Dictionary); ok {
		decoded, err := decodeDictionary(alloc, dict)
		if err != nil {
			return nil, err
		}
		defer decoded.Release()
		if arrow.TypeEqual(decoded.DataType(), target) {
			decoded.Retain()
			return decoded, nil
		}
		src = decoded
	}

	ctx = compute.WithAllocator(ctx, alloc)
	return compute.CastArray(ctx, src, compute.SafeCastOptions(target))
}
