// Package operator defines the stages a scoring pipeline is built from.
// Batches flow from a Source through any number of Operators into a Sink,
// each stage running Open once, then its per-batch method, then Close.
package operator

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Operator transforms record batches, for example casting columns or
// appending a score column.
type Operator interface {
	Open(ctx *Context) error

	// ProcessBatch returns the batches produced for one input, possibly none.
	// The engine releases batch after the call returns, so an operator that
	// keeps any of its columns must Retain them.
	ProcessBatch(batch arrow.Record) ([]arrow.Record, error)

	Close() error
}

// Source produces record batches on its own goroutine.
type Source interface {
	Open(ctx *Context) error

	// Run sends batches on out until the input is exhausted or ctx is
	// cancelled, then closes out. Ownership of each sent batch passes to
	// the receiver.
	Run(ctx *Context, out chan<- arrow.Record) error

	Close() error
}

// Sink delivers scored batches outside the pipeline.
type Sink interface {
	Open(ctx *Context) error

	// WriteBatch must not keep batch after returning unless it Retains it.
	WriteBatch(batch arrow.Record) error

	// Close flushes anything buffered.
	Close() error
}
