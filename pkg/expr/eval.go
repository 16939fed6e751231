// Package expr evaluates SQL scalar expressions column-at-a-time over Arrow
// record batches. Expressions are parsed with TiDB's parser; operators run as
// Arrow compute kernels and function calls resolve through a Registry, which
// is where onehot and predict are plugged in.
package expr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// binaryKernels maps SQL operators to Arrow compute functions.
var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.GE:       "greater_equal",
	opcode.LT:       "less",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and",
	opcode.LogicOr:  "or",
}

// Evaluator evaluates expressions against record batches. It is not safe for
// concurrent use: the TiDB parser keeps per-parse state, so each goroutine
// needs its own Evaluator. Registries may be shared.
type Evaluator struct {
	alloc  memory.Allocator
	parser *parser.Parser
	funcs  *Registry
	parsed map[string]ast.ExprNode
}

// NewEvaluator returns an Evaluator that resolves function calls against
// funcs, or against the built-ins when funcs is nil.
func NewEvaluator(alloc memory.Allocator, funcs *Registry) *Evaluator {
	if funcs == nil {
		funcs = NewRegistry()
	}
	return &Evaluator{
		alloc:  alloc,
		parser: parser.New(),
		funcs:  funcs,
		parsed: make(map[string]ast.ExprNode),
	}
}

// Functions returns the registry the evaluator dispatches to.
func (ev *Evaluator) Functions() *Registry { return ev.funcs }

// Parse parses a single expression. Results are cached by text.
func (ev *Evaluator) Parse(sql string) (ast.ExprNode, error) {
	if node, ok := ev.parsed[sql]; ok {
		return node, nil
	}
	stmt, err := ev.parser.ParseOneStmt("SELECT "+sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", sql, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.From != nil {
		return nil, fmt.Errorf("parse expression %q: not a single expression", sql)
	}
	node := sel.Fields.Fields[0].Expr
	if node == nil {
		return nil, fmt.Errorf("parse expression %q: not a single expression", sql)
	}
	ev.parsed[sql] = node
	return node, nil
}

// Eval parses sql and evaluates it against batch. The result has one row per
// batch row; the caller must Release it.
func (ev *Evaluator) Eval(ctx context.Context, batch arrow.Record, sql string) (arrow.Array, error) {
	node, err := ev.Parse(sql)
	if err != nil {
		return nil, err
	}
	return ev.eval(ctx, batch, node)
}

// EvalExpr evaluates a node returned by Parse or taken from a parsed
// statement.
func (ev *Evaluator) EvalExpr(ctx context.Context, batch arrow.Record, node ast.ExprNode) (arrow.Array, error) {
	return ev.eval(ctx, batch, node)
}

// EvalBool is Eval for predicates.
func (ev *Evaluator) EvalBool(ctx context.Context, batch arrow.Record, sql string) (*array.Boolean, error) {
	out, err := ev.Eval(ctx, batch, sql)
	if err != nil {
		return nil, err
	}
	mask, ok := out.(*array.Boolean)
	if !ok {
		defer out.Release()
		return nil, fmt.Errorf("expression %q is %s, not boolean", sql, out.DataType())
	}
	return mask, nil
}

func (ev *Evaluator) eval(ctx context.Context, batch arrow.Record, node ast.ExprNode) (arrow.Array, error) {
	switch n := node.(type) {
	case *ast.ParenthesesExpr:
		return ev.eval(ctx, batch, n.Expr)
	case *ast.ColumnNameExpr:
		return column(batch, n.Name.Name.O)
	case *test_driver.ValueExpr:
		return ev.literal(n, int(batch.NumRows()))
	case *ast.BinaryOperationExpr:
		return ev.binary(ctx, batch, n)
	case *ast.UnaryOperationExpr:
		return ev.unary(ctx, batch, n)
	case *ast.IsNullExpr:
		return ev.isNull(ctx, batch, n)
	case *ast.CaseExpr:
		return ev.caseWhen(ctx, batch, n)
	case *ast.FuncCallExpr:
		return ev.call(ctx, batch, n)
	}
	return nil, fmt.Errorf("unsupported expression %T", node)
}

func column(batch arrow.Record, name string) (arrow.Array, error) {
	idx := batch.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	col := batch.Column(idx[0])
	col.Retain()
	return col, nil
}

// literal broadcasts a constant to n rows. Decimal literals such as 0.5
// become Float64.
func (ev *Evaluator) literal(v *test_driver.ValueExpr, n int) (arrow.Array, error) {
	var sc scalar.Scalar
	switch d := v.Datum; d.Kind() {
	case test_driver.KindNull:
		return array.MakeArrayOfNull(ev.alloc, arrow.PrimitiveTypes.Int64, n), nil
	case test_driver.KindInt64:
		sc = scalar.NewInt64Scalar(d.GetInt64())
	case test_driver.KindUint64:
		sc = scalar.NewInt64Scalar(int64(d.GetUint64()))
	case test_driver.KindFloat32:
		sc = scalar.NewFloat64Scalar(float64(d.GetFloat32()))
	case test_driver.KindFloat64:
		sc = scalar.NewFloat64Scalar(d.GetFloat64())
	case test_driver.KindMysqlDecimal:
		var sb strings.Builder
		if err := v.Restore(format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)); err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(sb.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("decimal literal %s: %w", sb.String(), err)
		}
		sc = scalar.NewFloat64Scalar(f)
	case test_driver.KindString:
		sc = scalar.NewStringScalar(d.GetString())
	default:
		return nil, fmt.Errorf("unsupported literal kind %v", d.Kind())
	}
	return scalar.MakeArrayFromScalar(sc, n, ev.alloc)
}

func (ev *Evaluator) binary(ctx context.Context, batch arrow.Record, e *ast.BinaryOperationExpr) (arrow.Array, error) {
	kernel, ok := binaryKernels[e.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported binary operator %v", e.Op)
	}
	left, err := ev.eval(ctx, batch, e.L)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := ev.eval(ctx, batch, e.R)
	if err != nil {
		return nil, err
	}
	defer right.Release()
	return ev.kernel2(ctx, kernel, left, right)
}

// kernel2 runs a two-argument compute function after promoting both sides to
// a common type.
func (ev *Evaluator) kernel2(ctx context.Context, kernel string, left, right arrow.Array) (arrow.Array, error) {
	l, r, err := coerceTypes(ev.alloc, left, right)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	defer r.Release()

	ctx = compute.WithAllocator(ctx, ev.alloc)
	out, err := compute.CallFunction(ctx, kernel, nil, compute.NewDatumWithoutOwning(l), compute.NewDatumWithoutOwning(r))
	if err != nil {
		return nil, fmt.Errorf("%s(%s, %s): %w", kernel, l.DataType(), r.DataType(), err)
	}
	return datumArray(out)
}

func (ev *Evaluator) unary(ctx context.Context, batch arrow.Record, e *ast.UnaryOperationExpr) (arrow.Array, error) {
	v, err := ev.eval(ctx, batch, e.V)
	if err != nil {
		return nil, err
	}
	defer v.Release()

	switch e.Op {
	case opcode.Not, opcode.Not2:
		b, ok := v.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("NOT needs a boolean operand, got %s", v.DataType())
		}
		return mapBool(ev.alloc, b.Len(), func(i int) (bool, bool) { return !b.Value(i), b.IsValid(i) }), nil
	case opcode.Minus:
		out, err := compute.Negate(compute.WithAllocator(ctx, ev.alloc), compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(v))
		if err != nil {
			return nil, fmt.Errorf("negate %s: %w", v.DataType(), err)
		}
		return datumArray(out)
	case opcode.Plus:
		v.Retain()
		return v, nil
	}
	return nil, fmt.Errorf("unsupported unary operator %v", e.Op)
}

func (ev *Evaluator) isNull(ctx context.Context, batch arrow.Record, e *ast.IsNullExpr) (arrow.Array, error) {
	v, err := ev.eval(ctx, batch, e.Expr)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	return mapBool(ev.alloc, v.Len(), func(i int) (bool, bool) { return v.IsNull(i) != e.Not, true }), nil
}

type caseArm struct {
	when, then arrow.Array
}

// caseWhen evaluates every arm over the whole batch, then picks per row. The
// simple form CASE x WHEN v compares x = v. The result takes the type of the
// first THEN, with dictionaries decoded.
func (ev *Evaluator) caseWhen(ctx context.Context, batch arrow.Record, e *ast.CaseExpr) (arrow.Array, error) {
	var subject arrow.Array
	if e.Value != nil {
		var err error
		if subject, err = ev.eval(ctx, batch, e.Value); err != nil {
			return nil, fmt.Errorf("CASE value: %w", err)
		}
		defer subject.Release()
	}

	arms := make([]caseArm, 0, len(e.WhenClauses))
	defer func() {
		for _, a := range arms {
			a.when.Release()
			a.then.Release()
		}
	}()
	for i, wc := range e.WhenClauses {
		when, err := ev.eval(ctx, batch, wc.Expr)
		if err != nil {
			return nil, fmt.Errorf("CASE WHEN[%d]: %w", i, err)
		}
		if subject != nil {
			eq, err := ev.kernel2(ctx, "equal", subject, when)
			when.Release()
			if err != nil {
				return nil, fmt.Errorf("CASE WHEN[%d]: %w", i, err)
			}
			when = eq
		}
		then, err := ev.eval(ctx, batch, wc.Result)
		if err == nil {
			var decoded arrow.Array
			decoded, err = unpack(ev.alloc, then)
			then.Release()
			then = decoded
		}
		if err != nil {
			when.Release()
			return nil, fmt.Errorf("CASE THEN[%d]: %w", i, err)
		}
		arms = append(arms, caseArm{when: when, then: then})
	}
	if len(arms) == 0 {
		return nil, fmt.Errorf("CASE without WHEN")
	}

	var otherwise arrow.Array
	if e.ElseClause != nil {
		v, err := ev.eval(ctx, batch, e.ElseClause)
		if err != nil {
			return nil, fmt.Errorf("CASE ELSE: %w", err)
		}
		defer v.Release()
		otherwise = v
	}

	bldr := array.NewBuilder(ev.alloc, arms[0].then.DataType())
	defer bldr.Release()
	for row := 0; row < int(batch.NumRows()); row++ {
		src := otherwise
		for _, a := range arms {
			if cond, ok := a.when.(*array.Boolean); ok && cond.IsValid(row) && cond.Value(row) {
				src = a.then
				break
			}
		}
		if src == nil {
			bldr.AppendNull()
			continue
		}
		appendValue(bldr, src, row)
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) call(ctx context.Context, batch arrow.Record, e *ast.FuncCallExpr) (arrow.Array, error) {
	name := e.FnName.L
	if name == castFunc {
		return ev.evalArrowCast(ctx, batch, e)
	}
	fn, ok := ev.funcs.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if err := fn.checkArity(len(e.Args)); err != nil {
		return nil, err
	}

	args := make([]arrow.Array, 0, len(e.Args))
	defer func() {
		for _, a := range args {
			a.Release()
		}
	}()
	for _, node := range e.Args {
		a, err := ev.eval(ctx, batch, node)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}

	out, err := fn.Fn(ctx, ev.alloc, args)
	if err != nil {
		return nil, err
	}
	if got, want := out.Len(), int(batch.NumRows()); got != want {
		out.Release()
		return nil, fmt.Errorf("%s returned %d rows for a %d-row batch", name, got, want)
	}
	return out, nil
}

func datumArray(d compute.Datum) (arrow.Array, error) {
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		d.Release()
		return nil, fmt.Errorf("expected an array result, got %v", d.Kind())
	}
	defer ad.Release()
	return ad.MakeArray(), nil
}

// mapBool builds an n-row boolean array from f, which returns the value and
// whether it is valid.
func mapBool(alloc memory.Allocator, n int, f func(i int) (v, valid bool)) *array.Boolean {
	bldr := array.NewBooleanBuilder(alloc)
	defer bldr.Release()
	bldr.Reserve(n)
	for i := 0; i < n; i++ {
		if v, ok := f(i); ok {
			bldr.UnsafeAppend(v)
		} else {
			bldr.UnsafeAppendBoolToBitmap(false)
		}
	}
	return bldr.NewBooleanArray()
}
