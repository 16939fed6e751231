package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pingcap/tidb/pkg/parser/ast"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/operator"
)

// MapColumn is one output column of a Map and the SQL expression computing it.
type MapColumn struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Map evaluates column-level SQL expressions to produce a new RecordBatch.
// Output columns keep the configured order.
type Map struct {
	columns []MapColumn
	exprs   []ast.ExprNode
	eval    *expr.Evaluator
	ctx     context.Context
}

// NewMap creates a Map operator.
func NewMap(columns []MapColumn) *Map {
	return &Map{columns: columns}
}

func (m *Map) Open(ctx *operator.Context) error {
	if len(m.columns) == 0 {
		return fmt.Errorf("map: no columns")
	}
	m.eval = expr.NewEvaluator(ctx.Alloc, ctx.Functions)
	m.ctx = ctx.Ctx
	m.exprs = make([]ast.ExprNode, len(m.columns))
	seen := make(map[string]bool, len(m.columns))
	for i, c := range m.columns {
		if seen[c.Name] {
			return fmt.Errorf("map: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		node, err := m.eval.Parse(c.Expr)
		if err != nil {
			return fmt.Errorf("map column %q: %w", c.Name, err)
		}
		m.exprs[i] = node
	}
	return nil
}

func (m *Map) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	names := make([]string, 0, len(m.columns))
	arrays := make([]arrow.Array, 0, len(m.columns))

	for i, c := range m.columns {
		arr, err := m.eval.EvalExpr(m.ctx, batch, m.exprs[i])
		if err != nil {
			// Release any already-evaluated arrays.
			for _, a := range arrays {
				a.Release()
			}
			return nil, fmt.Errorf("map column %q: %w", c.Name, err)
		}
		names = append(names, c.Name)
		arrays = append(arrays, arr)
	}

	return []arrow.Record{helpers.NewRecord(names, arrays, batch.NumRows())}, nil
}

func (m *Map) Close() error { return nil }
