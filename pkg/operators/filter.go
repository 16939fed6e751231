// Package operators implements the built-in stream operators of a scoring pipeline.
package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pingcap/tidb/pkg/parser/ast"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/operator"
)

// Filter evaluates a SQL condition against each batch and keeps only matching rows.
type Filter struct {
	conditionSQL string
	cond         ast.ExprNode
	eval         *expr.Evaluator
	alloc        memory.Allocator
	ctx          context.Context
}

// NewFilter creates a Filter operator with the given SQL condition.
func NewFilter(conditionSQL string) *Filter {
	return &Filter{conditionSQL: conditionSQL}
}

func (f *Filter) Open(ctx *operator.Context) error {
	f.eval = expr.NewEvaluator(ctx.Alloc, ctx.Functions)
	f.alloc = ctx.Alloc
	f.ctx = ctx.Ctx
	cond, err := f.eval.Parse(f.conditionSQL)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.cond = cond
	return nil
}

func (f *Filter) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	result, err := f.eval.EvalExpr(f.ctx, batch, f.cond)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", f.conditionSQL, err)
	}
	defer result.Release()
	mask, ok := result.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("filter %q: condition is %s, not boolean", f.conditionSQL, result.DataType())
	}

	filtered, err := helpers.Filter(f.ctx, f.alloc, batch, mask)
	if err != nil {
		return nil, err
	}

	if filtered.NumRows() == 0 {
		filtered.Release()
		return nil, nil
	}
	return []arrow.Record{filtered}, nil
}

func (f *Filter) Close() error { return nil }
