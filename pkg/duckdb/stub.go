//go:build !duckdb

package duckdb

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Available reports whether DuckDB was compiled in.
const Available = false

// Instance stands in for the DuckDB connection; every method fails.
type Instance struct{}

func NewInstance(memory.Allocator, int64) (*Instance, error) { return nil, ErrDuckDBNotAvailable }

func (*Instance) Close() error { return nil }

func (*Instance) RegisterView(arrow.Record, string) error { return ErrDuckDBNotAvailable }

func (*Instance) Query(context.Context, string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

func (*Instance) ReadCSV(context.Context, string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}
