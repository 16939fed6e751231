package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/operator"
)

// CastColumn specifies a column to cast and its target Arrow type.
type CastColumn struct {
	Name       string
	TargetType arrow.DataType

	// Categories fixes the dictionary of a Dictionary target, so that every
	// batch encodes to the same labels and onehot widths stay stable across
	// the stream. Values outside Categories become null.
	Categories []string
}

// Cast converts specified columns to new Arrow types in place.
type Cast struct {
	columns map[string]CastColumn
	alloc   memory.Allocator
	ctx     context.Context
}

// NewCast creates a Cast operator.
func NewCast(columns []CastColumn) *Cast {
	byName := make(map[string]CastColumn, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}
	return &Cast{columns: byName}
}

func (c *Cast) Open(ctx *operator.Context) error {
	for name, col := range c.columns {
		if col.TargetType == nil {
			return fmt.Errorf("cast column %q: no target type", name)
		}
		if len(col.Categories) > 0 {
			if _, ok := col.TargetType.(*arrow.DictionaryType); !ok {
				return fmt.Errorf("cast column %q: categories need a dictionary target, got %s", name, col.TargetType)
			}
		}
	}
	c.alloc = ctx.Alloc
	c.ctx = ctx.Ctx
	return nil
}

func (c *Cast) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	schema := batch.Schema()
	newFields := make([]arrow.Field, schema.NumFields())
	newArrays := make([]arrow.Array, schema.NumFields())
	var toRelease []arrow.Array
	release := func() {
		for _, a := range toRelease {
			a.Release()
		}
	}

	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		col := batch.Column(i)

		spec, needsCast := c.columns[f.Name]
		if !needsCast {
			newFields[i] = f
			newArrays[i] = col
			continue
		}

		casted, err := c.cast(col, spec)
		if err != nil {
			release()
			return nil, fmt.Errorf("cast column %q to %s: %w", f.Name, spec.TargetType, err)
		}
		newFields[i] = arrow.Field{Name: f.Name, Type: casted.DataType(), Nullable: true}
		newArrays[i] = casted
		toRelease = append(toRelease, casted)
	}

	newSchema := arrow.NewSchema(newFields, nil)
	result := array.NewRecord(newSchema, newArrays, batch.NumRows())
	// NewRecord retains, so release our cast references.
	release()
	return []arrow.Record{result}, nil
}

func (c *Cast) cast(col arrow.Array, spec CastColumn) (arrow.Array, error) {
	if dt, ok := spec.TargetType.(*arrow.DictionaryType); ok && len(spec.Categories) > 0 {
		dict, err := helpers.DictionaryEncodeFixed(c.alloc, col, dt.IndexType, spec.Categories)
		if err != nil {
			return nil, err
		}
		return dict, nil
	}
	return expr.Cast(c.ctx, c.alloc, col, spec.TargetType)
}

func (c *Cast) Close() error { return nil }
