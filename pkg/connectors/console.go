package connectors

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/operator"
)

// Console prints each scored batch as a table, the same layout the query
// command uses.
type Console struct {
	maxRows int
	out     io.Writer
	logger  *slog.Logger
	rows    int64
	batches int64
}

// NewConsole returns a Console writing to stdout that prints at most maxRows
// rows of each batch, or all of them when maxRows is 0.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, out: os.Stdout, logger: slog.Default()}
}

// SetWriter redirects the output.
func (c *Console) SetWriter(w io.Writer) { c.out = w }

// Rows is the number of rows received, printed or not.
func (c *Console) Rows() int64 { return c.rows }

func (c *Console) Open(ctx *operator.Context) error {
	if ctx != nil && ctx.Logger != nil {
		c.logger = ctx.Logger
	}
	return nil
}

func (c *Console) WriteBatch(batch arrow.Record) error {
	c.batches++
	c.rows += batch.NumRows()
	helpers.PrintTable(c.out, batch, c.maxRows)
	if _, err := io.WriteString(c.out, "\n"); err != nil {
		return fmt.Errorf("console: batch %d: %w", c.batches, err)
	}
	return nil
}

func (c *Console) Close() error {
	c.logger.Debug("console closed", "batches", c.batches, "rows", c.rows)
	return nil
}
