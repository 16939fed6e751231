// Package onehot expands dictionary-encoded categorical columns into one
// (label, indicator) pair per dictionary entry.
//
// The output of Encode is a list<struct<key: utf8, value: bool>> column.
// Pair order is the input dictionary's order and is never re-sorted, so
// two columns that share a dictionary produce directly comparable layouts.
package onehot

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	// ErrTypeMismatch is matched by every *TypeMismatchError.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNullCategory is returned when a dictionary contains a null label.
	ErrNullCategory = errors.New("null category label in dictionary")
)

// EntryType is the element type of an encoded row.
var EntryType = arrow.StructOf(
	arrow.Field{Name: "key", Type: arrow.BinaryTypes.String, Nullable: false},
	arrow.Field{Name: "value", Type: arrow.FixedWidthTypes.Boolean, Nullable: false},
)

// EncodedType is the type of a column produced by Encode.
var EncodedType = arrow.ListOf(EntryType)

const (
	expectedDictionary = "dictionary<values=utf8>"
	expectedEncoded    = "list<struct<key: utf8, value: bool>>"
)

// TypeMismatchError reports an argument whose Arrow type is not the shape a
// function accepts. Position is 1-based.
type TypeMismatchError struct {
	Func     string
	Position int
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: argument %d: expected %s, got %s", e.Func, e.Position, e.Expected, e.Actual)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// Entry is one (label, indicator) pair of an encoded row.
type Entry struct {
	Key   string
	Value bool
}

// Encode one-hot encodes a dictionary column whose values are utf8 or
// large_utf8 strings. Each non-null row becomes a list with one entry per
// dictionary label, true only at the row's dictionary index. Null rows stay
// null. The caller must Release() the result.
func Encode(alloc memory.Allocator, arr arrow.Array) (*array.List, error) {
	return encode(alloc, "onehot", 1, arr)
}

func encode(alloc memory.Allocator, fn string, pos int, arr arrow.Array) (*array.List, error) {
	dict, ok := arr.(*array.Dictionary)
	if !ok {
		return nil, &TypeMismatchError{Func: fn, Position: pos, Expected: expectedDictionary, Actual: arr.DataType().String()}
	}
	labels, err := dictionaryLabels(dict.Dictionary())
	if err != nil {
		if errors.Is(err, ErrTypeMismatch) {
			return nil, &TypeMismatchError{Func: fn, Position: pos, Expected: expectedDictionary, Actual: arr.DataType().String()}
		}
		return nil, fmt.Errorf("%s: argument %d: %w", fn, pos, err)
	}

	lb := array.NewListBuilder(alloc, EntryType)
	defer lb.Release()
	sb := lb.ValueBuilder().(*array.StructBuilder)
	keys := sb.FieldBuilder(0).(*array.StringBuilder)
	values := sb.FieldBuilder(1).(*array.BooleanBuilder)

	n := dict.Len()
	lb.Reserve(n)
	sb.Reserve(n * len(labels))
	keys.Reserve(n * len(labels))
	values.Reserve(n * len(labels))

	for i := 0; i < n; i++ {
		if dict.IsNull(i) {
			lb.AppendNull()
			continue
		}
		lb.Append(true)
		if len(labels) == 0 {
			continue
		}
		hot := dict.GetValueIndex(i)
		if hot < 0 || hot >= len(labels) {
			return nil, fmt.Errorf("%s: row %d: dictionary index %d out of range [0, %d)", fn, i, hot, len(labels))
		}
		for j, label := range labels {
			sb.Append(true)
			keys.Append(label)
			values.Append(j == hot)
		}
	}

	return lb.NewListArray(), nil
}

func dictionaryLabels(values arrow.Array) ([]string, error) {
	labels := make([]string, values.Len())
	switch v := values.(type) {
	case *array.String:
		for i := range labels {
			if v.IsNull(i) {
				return nil, ErrNullCategory
			}
			labels[i] = v.Value(i)
		}
	case *array.LargeString:
		for i := range labels {
			if v.IsNull(i) {
				return nil, ErrNullCategory
			}
			labels[i] = v.Value(i)
		}
	default:
		return nil, ErrTypeMismatch
	}
	return labels, nil
}
