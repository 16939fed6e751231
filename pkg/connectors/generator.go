// Package connectors implements the sources and sinks of a scoring pipeline.
package connectors

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/boostsql/pkg/operator"
)

const defaultBatchSize = 1024

// GeneratorColumn is a categorical Utf8 column drawn uniformly from
// Categories. NullFraction of the rows, on average, are null, which onehot
// encodes as all-false and predict treats as missing.
type GeneratorColumn struct {
	Name         string   `yaml:"name"`
	Categories   []string `yaml:"categories"`
	NullFraction float64  `yaml:"null_fraction"`
}

// Generator emits random categorical rows at a fixed rate, for load tests
// and demos of a scoring pipeline.
type Generator struct {
	columns       []GeneratorColumn
	rowsPerSecond int64
	maxRows       int64
	seed          uint64
	alloc         memory.Allocator
	rng           *rand.Rand
}

// NewGenerator returns a Generator that stops after maxRows rows, or runs
// until cancelled when maxRows is 0. The same seed yields the same rows.
func NewGenerator(columns []GeneratorColumn, rowsPerSecond, maxRows int64, seed uint64) *Generator {
	if rowsPerSecond <= 0 {
		rowsPerSecond = 1000
	}
	return &Generator{
		columns:       columns,
		rowsPerSecond: rowsPerSecond,
		maxRows:       maxRows,
		seed:          seed,
	}
}

func (g *Generator) Open(ctx *operator.Context) error {
	if len(g.columns) == 0 {
		return fmt.Errorf("generator: no columns")
	}
	for _, c := range g.columns {
		if len(c.Categories) == 0 {
			return fmt.Errorf("generator: column %q has no categories", c.Name)
		}
		if c.NullFraction < 0 || c.NullFraction >= 1 {
			return fmt.Errorf("generator: column %q null_fraction %v outside [0, 1)", c.Name, c.NullFraction)
		}
	}
	g.alloc = ctx.Alloc
	g.rng = rand.New(rand.NewPCG(g.seed, g.seed^0x9e3779b97f4a7c15))
	return nil
}

// Schema returns the schema of the generated batches.
func (g *Generator) Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(g.columns))
	for i, c := range g.columns {
		fields[i] = arrow.Field{Name: c.Name, Type: arrow.BinaryTypes.String, Nullable: c.NullFraction > 0}
	}
	return arrow.NewSchema(fields, nil)
}

// Run sends one batch per tick. A batch holds a tick's worth of rows, capped
// at defaultBatchSize, so the ticker period sets the rate.
func (g *Generator) Run(ctx *operator.Context, out chan<- arrow.Record) error {
	defer close(out)

	schema := g.Schema()
	size := min(int64(defaultBatchSize), g.rowsPerSecond)
	ticker := time.NewTicker(time.Duration(float64(time.Second) * float64(size) / float64(g.rowsPerSecond)))
	defer ticker.Stop()

	var sent int64
	for g.maxRows == 0 || sent < g.maxRows {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n := size
		if g.maxRows > 0 {
			n = min(n, g.maxRows-sent)
		}
		batch := g.generateBatch(schema, int(n))
		select {
		case out <- batch:
		case <-ctx.Done():
			batch.Release()
			return nil
		}
		sent += n
		ctx.Metrics.BatchesProcessed.Add(1)
		ctx.Metrics.RowsProcessed.Add(n)
	}
	return nil
}

func (g *Generator) Close() error { return nil }

func (g *Generator) generateBatch(schema *arrow.Schema, n int) arrow.Record {
	bldr := array.NewRecordBuilder(g.alloc, schema)
	defer bldr.Release()
	for i, c := range g.columns {
		col := bldr.Field(i).(*array.StringBuilder)
		col.Reserve(n)
		for row := 0; row < n; row++ {
			if c.NullFraction > 0 && g.rng.Float64() < c.NullFraction {
				col.AppendNull()
				continue
			}
			col.Append(c.Categories[g.rng.IntN(len(c.Categories))])
		}
	}
	return bldr.NewRecord()
}
