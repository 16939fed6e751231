// Package helpers provides convenience functions for working with Arrow RecordBatches.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column returns the named column from a RecordBatch, or an error if not found.
func Column(batch arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return batch.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// ColumnNames returns the list of column names in a record's schema.
func ColumnNames(batch arrow.Record) []string {
	schema := batch.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// Filter applies a boolean mask to a RecordBatch, returning only rows where mask is true.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, alloc memory.Allocator, batch arrow.Record, mask arrow.Array) (arrow.Record, error) {
	ctx = compute.WithAllocator(ctx, alloc)
	result, err := compute.FilterRecordBatch(ctx, batch, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// Project creates a new RecordBatch with only the specified columns.
// The caller is responsible for releasing the returned Record.
func Project(batch arrow.Record, cols ...string) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(cols))
	arrays := make([]arrow.Array, 0, len(cols))

	for _, name := range cols {
		idx := ColumnIndex(batch, name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found for projection", name)
		}
		fields = append(fields, batch.Schema().Field(idx))
		arrays = append(arrays, batch.Column(idx))
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, batch.NumRows()), nil
}

// NewRecord assembles a record from named arrays and releases the caller's
// references to them; the record holds its own.
func NewRecord(names []string, arrays []arrow.Array, numRows int64) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType(), Nullable: true}
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, numRows)
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// Limit returns rows [offset, offset+count) of batch, clamped to its length.
// A negative count means "to the end". The result shares buffers with batch.
func Limit(batch arrow.Record, offset, count int64) arrow.Record {
	n := batch.NumRows()
	if offset > n {
		offset = n
	}
	end := n
	if count >= 0 && offset+count < n {
		end = offset + count
	}
	return batch.NewSlice(offset, end)
}

// Concat merges records sharing one schema into a single record.
// The caller is responsible for releasing the returned Record.
func Concat(alloc memory.Allocator, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("concat: no records")
	}
	if len(records) == 1 {
		records[0].Retain()
		return records[0], nil
	}

	schema := records[0].Schema()
	numCols := int(records[0].NumCols())
	var totalRows int64
	for i, r := range records {
		if !r.Schema().Equal(schema) {
			return nil, fmt.Errorf("concat: record %d schema differs: %s vs %s", i, r.Schema(), schema)
		}
		totalRows += r.NumRows()
	}

	arrays := make([]arrow.Array, 0, numCols)
	release := func() {
		for _, a := range arrays {
			a.Release()
		}
	}
	for col := 0; col < numCols; col++ {
		chunks := make([]arrow.Array, len(records))
		for i, r := range records {
			chunks[i] = r.Column(col)
		}
		merged, err := array.Concatenate(chunks, alloc)
		if err != nil {
			release()
			return nil, fmt.Errorf("concat column %q: %w", schema.Field(col).Name, err)
		}
		arrays = append(arrays, merged)
	}

	result := array.NewRecord(schema, arrays, totalRows)
	release()
	return result, nil
}
