package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func builtins() []Function {
	return []Function{
		{Name: "upper", Arity: 1, Fn: stringMap(strings.ToUpper)},
		{Name: "lower", Arity: 1, Fn: stringMap(strings.ToLower)},
		{Name: "trim", Arity: 1, Fn: stringMap(func(s string) string {
			return strings.TrimFunc(s, unicode.IsSpace)
		})},
		{Name: "concat", Arity: Variadic, Fn: concat},
		{Name: "substring", Arity: Variadic, Fn: substring},
		{Name: "substr", Arity: Variadic, Fn: substring},
		{Name: "regexp_extract", Arity: 3, Fn: regexpExtract},
		{Name: "coalesce", Arity: Variadic, Fn: coalesce},
	}
}

// stringMap applies a Go string function to each element of a string column.
func stringMap(fn func(string) string) ScalarFunc {
	return func(_ context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
		arg := args[0]
		bldr := array.NewStringBuilder(alloc)
		defer bldr.Release()

		for i := 0; i < arg.Len(); i++ {
			if arg.IsNull(i) {
				bldr.AppendNull()
			} else {
				bldr.Append(fn(stringValue(arg, i)))
			}
		}
		return bldr.NewArray(), nil
	}
}

// concat concatenates string arguments; any null argument makes the row null.
func concat(_ context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("concat requires at least 2 arguments: %w", ErrArity)
	}

	numRows := args[0].Len()
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()

	for row := 0; row < numRows; row++ {
		hasNull := false
		var sb strings.Builder
		for _, arg := range args {
			if arg.IsNull(row) {
				hasNull = true
				break
			}
			sb.WriteString(stringValue(arg, row))
		}
		if hasNull {
			bldr.AppendNull()
		} else {
			bldr.Append(sb.String())
		}
	}
	return bldr.NewArray(), nil
}

// substring evaluates SUBSTRING(str, start[, len]) with a 1-based start.
func substring(_ context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("substring requires 2-3 arguments, got %d: %w", len(args), ErrArity)
	}
	strArg, startArg := args[0], args[1]
	var lenArg arrow.Array
	if len(args) == 3 {
		lenArg = args[2]
	}

	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()

	for row := 0; row < strArg.Len(); row++ {
		if strArg.IsNull(row) {
			bldr.AppendNull()
			continue
		}
		s := stringValue(strArg, row)
		start := int(intValue(startArg, row)) - 1
		if start < 0 {
			start = 0
		}
		if start > len(s) {
			bldr.Append("")
			continue
		}

		if lenArg != nil {
			end := start + int(intValue(lenArg, row))
			if end > len(s) {
				end = len(s)
			}
			if end < start {
				end = start
			}
			bldr.Append(s[start:end])
		} else {
			bldr.Append(s[start:])
		}
	}
	return bldr.NewArray(), nil
}

// regexpExtract evaluates REGEXP_EXTRACT(col, pattern, group). The pattern
// and group are read from the first row.
func regexpExtract(_ context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
	strArg := args[0]
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()

	if strArg.Len() == 0 {
		return bldr.NewArray(), nil
	}

	pattern := stringValue(args[1], 0)
	group := int(intValue(args[2], 0))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regexp_extract: invalid pattern %q: %w", pattern, err)
	}

	for row := 0; row < strArg.Len(); row++ {
		if strArg.IsNull(row) {
			bldr.AppendNull()
			continue
		}
		matches := re.FindStringSubmatch(stringValue(strArg, row))
		if matches == nil || group >= len(matches) {
			bldr.AppendNull()
		} else {
			bldr.Append(matches[group])
		}
	}
	return bldr.NewArray(), nil
}

// coalesce returns the first non-null value per row, typed as the first argument.
func coalesce(_ context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
	bldr := array.NewBuilder(alloc, args[0].DataType())
	defer bldr.Release()

	for row := 0; row < args[0].Len(); row++ {
		found := false
		for _, arg := range args {
			if !arg.IsNull(row) {
				appendValue(bldr, arg, row)
				found = true
				break
			}
		}
		if !found {
			bldr.AppendNull()
		}
	}
	return bldr.NewArray(), nil
}
