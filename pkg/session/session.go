// Package session hosts SQL queries over named Arrow tables, with onehot and
// predict registered alongside the built-in scalar functions.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/connectors"
	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/udf"
)

var (
	// ErrUnsupported is returned for SQL outside the single-table SELECT subset.
	ErrUnsupported = errors.New("unsupported SQL")

	// ErrTableNotFound is returned when FROM names an unregistered table.
	ErrTableNotFound = errors.New("table not found")
)

// PrintRows caps the rows Print renders.
const PrintRows = 20

type options struct {
	udf      udf.Config
	registry *expr.Registry
	logger   *slog.Logger
	csv      connectors.CSVOptions
}

// Option configures a Session.
type Option func(*options)

// WithModelPath sets the model file predict scores with.
func WithModelPath(path string) Option {
	return func(o *options) { o.udf.ModelPath = path }
}

// WithModelFormat sets the model file format. It is inferred from the path
// when unset.
func WithModelFormat(f model.Format) Option {
	return func(o *options) { o.udf.ModelFormat = f }
}

// WithPredictArity registers predict with a fixed number of arguments.
func WithPredictArity(n int) Option {
	return func(o *options) { o.udf.PredictArity = n }
}

// WithModelCache shares a model cache between sessions.
func WithModelCache(c *model.Cache) Option {
	return func(o *options) { o.udf.Cache = c }
}

// WithRegistry uses reg as the function catalog. The caller is responsible
// for registering onehot and predict in it.
func WithRegistry(reg *expr.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCSVOptions sets how RegisterCSV reads files.
func WithCSVOptions(c connectors.CSVOptions) Option {
	return func(o *options) { o.csv = c }
}

// Session is a catalog of named tables plus a function registry. It is safe
// for concurrent use; each query gets its own parser and evaluator.
type Session struct {
	alloc  memory.Allocator
	logger *slog.Logger
	funcs  *expr.Registry
	csv    connectors.CSVOptions

	mu     sync.RWMutex
	tables map[string]arrow.Record
}

// New creates a session. Unless WithRegistry is given, the session gets the
// built-in functions plus onehot and predict.
func New(alloc memory.Allocator, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = expr.NewRegistry()
		if err := udf.Register(o.registry, o.udf); err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
	}
	return &Session{
		alloc:  alloc,
		logger: o.logger.With("component", "session"),
		funcs:  o.registry,
		csv:    o.csv,
		tables: make(map[string]arrow.Record),
	}, nil
}

// Functions returns the session's function registry.
func (s *Session) Functions() *expr.Registry { return s.funcs }

// RegisterRecord makes rec queryable as name, replacing any previous table
// of that name. The session retains rec.
func (s *Session) RegisterRecord(name string, rec arrow.Record) {
	rec.Retain()
	key := strings.ToLower(name)

	s.mu.Lock()
	old := s.tables[key]
	s.tables[key] = rec
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
	s.logger.Debug("registered table", "table", key, "rows", rec.NumRows(), "columns", rec.NumCols())
}

// RegisterCSV reads the CSV file at path into one table. Compressed files
// are recognized by extension.
func (s *Session) RegisterCSV(ctx context.Context, name, path string) error {
	rec, err := connectors.ReadCSV(ctx, s.alloc, path, s.csv)
	if err != nil {
		return fmt.Errorf("register csv %q: %w", name, err)
	}
	defer rec.Release()
	s.RegisterRecord(name, rec)
	return nil
}

// Deregister drops a table. It reports whether the table existed.
func (s *Session) Deregister(name string) bool {
	key := strings.ToLower(name)
	s.mu.Lock()
	rec, ok := s.tables[key]
	delete(s.tables, key)
	s.mu.Unlock()
	if ok {
		rec.Release()
	}
	return ok
}

// Tables returns the registered table names, sorted.
func (s *Session) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every registered table.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rec := range s.tables {
		rec.Release()
		delete(s.tables, name)
	}
}

// SQL runs one SELECT statement and returns its result. The caller must
// Release() the returned record.
func (s *Session) SQL(ctx context.Context, query string) (arrow.Record, error) {
	stmt, err := parser.New().ParseOneStmt(query, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return nil, fmt.Errorf("%w: %T statement", ErrUnsupported, stmt)
	}
	ev := expr.NewEvaluator(s.alloc, s.funcs)
	return s.execSelect(ctx, ev, sel)
}

// Print renders rec as a table, at most PrintRows rows.
func Print(w io.Writer, rec arrow.Record) {
	helpers.PrintTable(w, rec, PrintRows)
}

func (s *Session) execSelect(ctx context.Context, ev *expr.Evaluator, sel *ast.SelectStmt) (arrow.Record, error) {
	if err := checkSupported(sel); err != nil {
		return nil, err
	}
	offset, count, err := limitBounds(sel.Limit)
	if err != nil {
		return nil, err
	}

	input, err := s.from(ctx, ev, sel.From)
	if err != nil {
		return nil, err
	}
	defer input.Release()

	if sel.Where != nil {
		filtered, err := s.where(ctx, ev, input, sel.Where)
		if err != nil {
			return nil, err
		}
		defer filtered.Release()
		input = filtered
	}

	projected, err := project(ctx, ev, input, sel.Fields.Fields)
	if err != nil {
		return nil, err
	}
	if sel.Limit == nil {
		return projected, nil
	}
	defer projected.Release()
	return helpers.Limit(projected, offset, count), nil
}

func checkSupported(sel *ast.SelectStmt) error {
	var clause string
	switch {
	case sel.With != nil:
		clause = "WITH"
	case sel.Distinct:
		clause = "DISTINCT"
	case sel.GroupBy != nil:
		clause = "GROUP BY"
	case sel.Having != nil:
		clause = "HAVING"
	case sel.WindowSpecs != nil:
		clause = "WINDOW"
	case sel.OrderBy != nil:
		clause = "ORDER BY"
	case sel.LockInfo != nil:
		clause = "FOR UPDATE"
	case sel.From == nil:
		clause = "SELECT without FROM"
	}
	if clause != "" {
		return fmt.Errorf("%w: %s", ErrUnsupported, clause)
	}
	return nil
}

// from resolves the FROM clause to a retained record.
func (s *Session) from(ctx context.Context, ev *expr.Evaluator, clause *ast.TableRefsClause) (arrow.Record, error) {
	join := clause.TableRefs
	if join == nil || join.Right != nil {
		return nil, fmt.Errorf("%w: JOIN", ErrUnsupported)
	}
	src, ok := join.Left.(*ast.TableSource)
	if !ok {
		return nil, fmt.Errorf("%w: FROM %T", ErrUnsupported, join.Left)
	}

	switch t := src.Source.(type) {
	case *ast.TableName:
		key := t.Name.L
		s.mu.RLock()
		rec, ok := s.tables[key]
		if ok {
			rec.Retain()
		}
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, t.Name.O)
		}
		return rec, nil
	case *ast.SelectStmt:
		return s.execSelect(ctx, ev, t)
	default:
		return nil, fmt.Errorf("%w: FROM %T", ErrUnsupported, src.Source)
	}
}

func (s *Session) where(ctx context.Context, ev *expr.Evaluator, input arrow.Record, cond ast.ExprNode) (arrow.Record, error) {
	result, err := ev.EvalExpr(ctx, input, cond)
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	defer result.Release()
	mask, ok := result.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("where: condition is %s, not boolean", result.DataType())
	}
	return helpers.Filter(ctx, s.alloc, input, mask)
}

func project(ctx context.Context, ev *expr.Evaluator, input arrow.Record, fields []*ast.SelectField) (arrow.Record, error) {
	var (
		names  []string
		arrays []arrow.Array
	)
	release := func() {
		for _, a := range arrays {
			a.Release()
		}
	}

	for _, f := range fields {
		if f.WildCard != nil {
			for i, field := range input.Schema().Fields() {
				col := input.Column(i)
				col.Retain()
				names = append(names, field.Name)
				arrays = append(arrays, col)
			}
			continue
		}
		arr, err := ev.EvalExpr(ctx, input, f.Expr)
		if err != nil {
			release()
			return nil, fmt.Errorf("select %s: %w", fieldName(f), err)
		}
		names = append(names, fieldName(f))
		arrays = append(arrays, arr)
	}
	return helpers.NewRecord(names, arrays, input.NumRows()), nil
}

// fieldName is the alias when present, otherwise the expression text.
func fieldName(f *ast.SelectField) string {
	if f.AsName.O != "" {
		return f.AsName.O
	}
	if col, ok := f.Expr.(*ast.ColumnNameExpr); ok {
		return col.Name.Name.O
	}
	if text := strings.TrimSpace(f.Text()); text != "" {
		return text
	}
	var sb strings.Builder
	flags := format.RestoreStringSingleQuotes | format.RestoreKeyWordLowercase
	if err := f.Expr.Restore(format.NewRestoreCtx(flags, &sb)); err != nil {
		return "?column?"
	}
	return sb.String()
}

// limitBounds returns the offset and count of a LIMIT clause; count is -1
// without one.
func limitBounds(limit *ast.Limit) (offset, count int64, err error) {
	if limit == nil {
		return 0, -1, nil
	}
	if count, err = limitValue(limit.Count); err != nil {
		return 0, 0, err
	}
	if limit.Offset != nil {
		if offset, err = limitValue(limit.Offset); err != nil {
			return 0, 0, err
		}
	}
	return offset, count, nil
}

func limitValue(node ast.ExprNode) (int64, error) {
	v, ok := node.(*test_driver.ValueExpr)
	if !ok {
		return 0, fmt.Errorf("%w: LIMIT %T", ErrUnsupported, node)
	}
	switch n := v.GetValue().(type) {
	case uint64:
		return int64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative LIMIT %d", n)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: LIMIT %v", ErrUnsupported, n)
	}
}
