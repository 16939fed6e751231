package operator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/boostsql/pkg/expr"
)

// Metrics counts the work one pipeline stage has done.
type Metrics struct {
	BatchesProcessed atomic.Int64
	RowsProcessed    atomic.Int64
	Errors           atomic.Int64
}

// Snapshot reads the three counters.
func (m *Metrics) Snapshot() (batches, rows, errs int64) {
	return m.BatchesProcessed.Load(), m.RowsProcessed.Load(), m.Errors.Load()
}

// Context is what a stage sees of the running pipeline.
type Context struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Metrics *Metrics

	// Alloc backs every batch the stage builds.
	Alloc memory.Allocator

	// Functions resolves the scalar functions in map and filter
	// expressions, including onehot and predict when the engine registered
	// them. One registry serves the whole pipeline so the model is loaded
	// once.
	Functions *expr.Registry

	OperatorID   string
	OperatorName string
}

// NewContext returns a context whose registry holds the built-in functions
// only.
func NewContext(ctx context.Context, alloc memory.Allocator, id, name string) *Context {
	return &Context{
		Ctx:          ctx,
		Logger:       slog.Default().With("operator", id, "name", name),
		Metrics:      new(Metrics),
		Alloc:        alloc,
		Functions:    expr.NewRegistry(),
		OperatorID:   id,
		OperatorName: name,
	}
}

// Done is closed when the pipeline is shutting down.
func (c *Context) Done() <-chan struct{} { return c.Ctx.Done() }
