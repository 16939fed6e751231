package helpers

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DictionaryEncode converts a string column into a dictionary array with the
// given integer index type. Dictionary entries are assigned in order of first
// appearance; nulls stay null and do not enter the dictionary.
// A dictionary input with the same target type is returned retained.
// The caller must Release() the result.
func DictionaryEncode(alloc memory.Allocator, arr arrow.Array, indexType arrow.DataType) (*array.Dictionary, error) {
	if !arrow.IsInteger(indexType.ID()) {
		return nil, fmt.Errorf("dictionary index type must be an integer, got %s", indexType)
	}
	dt := &arrow.DictionaryType{IndexType: indexType, ValueType: arrow.BinaryTypes.String}

	if dict, ok := arr.(*array.Dictionary); ok {
		if arrow.TypeEqual(dict.DataType(), dt) {
			dict.Retain()
			return dict, nil
		}
		// Re-encode through the decoded labels so the index width changes.
		return reencodeDictionary(alloc, dict, dt)
	}

	bldr := array.NewDictionaryBuilder(alloc, dt).(*array.BinaryDictionaryBuilder)
	defer bldr.Release()
	bldr.Reserve(arr.Len())

	switch a := arr.(type) {
	case *array.String:
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				bldr.AppendNull()
				continue
			}
			if err := bldr.AppendString(a.Value(i)); err != nil {
				return nil, fmt.Errorf("dictionary encode row %d: %w", i, err)
			}
		}
	case *array.LargeString:
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				bldr.AppendNull()
				continue
			}
			if err := bldr.AppendString(a.Value(i)); err != nil {
				return nil, fmt.Errorf("dictionary encode row %d: %w", i, err)
			}
		}
	default:
		return nil, fmt.Errorf("cannot dictionary-encode %s, expected a string column", arr.DataType())
	}

	return bldr.NewDictionaryArray(), nil
}

func reencodeDictionary(alloc memory.Allocator, src *array.Dictionary, dt *arrow.DictionaryType) (*array.Dictionary, error) {
	values, ok := src.Dictionary().(*array.String)
	if !ok {
		return nil, fmt.Errorf("cannot re-encode dictionary with %s values", src.Dictionary().DataType())
	}
	bldr := array.NewDictionaryBuilder(alloc, dt).(*array.BinaryDictionaryBuilder)
	defer bldr.Release()

	for i := 0; i < src.Len(); i++ {
		if src.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		if err := bldr.AppendString(values.Value(src.GetValueIndex(i))); err != nil {
			return nil, fmt.Errorf("dictionary encode row %d: %w", i, err)
		}
	}
	return bldr.NewDictionaryArray(), nil
}

// DictionaryEncodeFixed encodes a string column against a fixed, ordered
// label set, so every batch of a stream shares one dictionary. Values
// outside labels, and nulls, become null. The caller must Release() the result.
func DictionaryEncodeFixed(alloc memory.Allocator, arr arrow.Array, indexType arrow.DataType, labels []string) (*array.Dictionary, error) {
	if !arrow.IsInteger(indexType.ID()) {
		return nil, fmt.Errorf("dictionary index type must be an integer, got %s", indexType)
	}
	known := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if _, dup := known[l]; dup {
			return nil, fmt.Errorf("duplicate dictionary label %q", l)
		}
		known[l] = struct{}{}
	}

	var value func(i int) string
	switch a := arr.(type) {
	case *array.String:
		value = a.Value
	case *array.LargeString:
		value = a.Value
	case *array.Dictionary:
		values, ok := a.Dictionary().(*array.String)
		if !ok {
			return nil, fmt.Errorf("cannot re-encode dictionary with %s values", a.Dictionary().DataType())
		}
		value = func(i int) string { return values.Value(a.GetValueIndex(i)) }
	default:
		return nil, fmt.Errorf("cannot dictionary-encode %s, expected a string column", arr.DataType())
	}

	dt := &arrow.DictionaryType{IndexType: indexType, ValueType: arrow.BinaryTypes.String}
	bldr := array.NewDictionaryBuilder(alloc, dt).(*array.BinaryDictionaryBuilder)
	defer bldr.Release()

	sb := array.NewStringBuilder(alloc)
	sb.AppendValues(labels, nil)
	dict := sb.NewStringArray()
	sb.Release()
	defer dict.Release()
	if err := bldr.InsertStringDictValues(dict); err != nil {
		return nil, fmt.Errorf("seed dictionary: %w", err)
	}

	bldr.Reserve(arr.Len())
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		v := value(i)
		if _, ok := known[v]; !ok {
			bldr.AppendNull()
			continue
		}
		if err := bldr.AppendString(v); err != nil {
			return nil, fmt.Errorf("dictionary encode row %d: %w", i, err)
		}
	}
	return bldr.NewDictionaryArray(), nil
}
