package connectors

import (
	"bufio"
	"context"
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/operator"
)

// ErrEmptyCSV is returned for a CSV file without a header line.
var ErrEmptyCSV = errors.New("csv file has no header")

// CSVOptions controls how CSV files are read.
type CSVOptions struct {
	// Delimiter separates fields; ',' when zero.
	Delimiter rune

	// BatchSize is the number of rows per record; defaultBatchSize when zero.
	BatchSize int

	// InferTypes infers numeric and boolean columns from the data. By
	// default every column is read as Utf8, which keeps single-letter
	// categories like "t" and "f" from turning into booleans.
	InferTypes bool

	// NullValues are the field values read as null. Without any, no field
	// is null.
	NullValues []string
}

func (o CSVOptions) readerOptions(alloc memory.Allocator) []csv.Option {
	comma := o.Delimiter
	if comma == 0 {
		comma = ','
	}
	chunk := o.BatchSize
	if chunk <= 0 {
		chunk = defaultBatchSize
	}
	opts := []csv.Option{
		csv.WithAllocator(alloc),
		csv.WithComma(comma),
		csv.WithHeader(true),
		csv.WithChunk(chunk),
	}
	if len(o.NullValues) > 0 {
		opts = append(opts, csv.WithNullReader(true, o.NullValues...))
	}
	return opts
}

// OpenCSV opens path, decompressing by extension: .gz, .zst and .lz4.
func OpenCSV(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		rc := zr.IOReadCloser()
		return &stackedReader{Reader: rc, closers: []io.Closer{rc, f}}, nil
	case ".lz4":
		return &stackedReader{Reader: lz4.NewReader(f), closers: []io.Closer{f}}, nil
	default:
		return f, nil
	}
}

// stackedReader closes a decompressor before the file beneath it.
type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewCSVReader returns an Arrow CSV reader over r.
func NewCSVReader(r io.Reader, alloc memory.Allocator, opts CSVOptions) (*csv.Reader, error) {
	if opts.InferTypes {
		return csv.NewInferringReader(r, opts.readerOptions(alloc)...), nil
	}

	br := bufio.NewReader(r)
	header, err := br.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || header == "") {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCSV
		}
		return nil, err
	}

	hr := stdcsv.NewReader(strings.NewReader(header))
	if opts.Delimiter != 0 {
		hr.Comma = opts.Delimiter
	}
	names, err := hr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: strings.TrimSpace(name), Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)
	body := io.MultiReader(strings.NewReader(header), br)
	return csv.NewReader(body, schema, opts.readerOptions(alloc)...), nil
}

// ReadCSV reads the whole file at path into a single record, so that every
// dictionary built from it later covers the full table. The caller must
// Release() the returned record.
func ReadCSV(ctx context.Context, alloc memory.Allocator, path string, opts CSVOptions) (arrow.Record, error) {
	f, err := OpenCSV(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := NewCSVReader(f, alloc, opts)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer r.Release()

	var batches []arrow.Record
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := r.Record()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if len(batches) == 0 {
		// Header only: an empty table with the header's schema.
		if r.Schema() == nil {
			return nil, fmt.Errorf("read %s: %w", path, ErrEmptyCSV)
		}
		return emptyRecord(alloc, r.Schema()), nil
	}
	return helpers.Concat(alloc, batches)
}

func emptyRecord(alloc memory.Allocator, schema *arrow.Schema) arrow.Record {
	arrays := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		arrays[i] = array.MakeArrayOfNull(alloc, f.Type, 0)
	}
	rec := array.NewRecord(schema, arrays, 0)
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// CSVSource streams a CSV file as record batches.
type CSVSource struct {
	path string
	opts CSVOptions
	file io.ReadCloser
	rdr  *csv.Reader
}

// NewCSVSource creates a CSV source for path.
func NewCSVSource(path string, opts CSVOptions) *CSVSource {
	return &CSVSource{path: path, opts: opts}
}

func (c *CSVSource) Open(ctx *operator.Context) error {
	f, err := OpenCSV(c.path)
	if err != nil {
		return fmt.Errorf("csv source: %w", err)
	}
	rdr, err := NewCSVReader(f, ctx.Alloc, c.opts)
	if err != nil {
		f.Close()
		return fmt.Errorf("csv source %s: %w", c.path, err)
	}
	c.file, c.rdr = f, rdr
	return nil
}

func (c *CSVSource) Run(ctx *operator.Context, out chan<- arrow.Record) error {
	defer close(out)

	for c.rdr.Next() {
		batch := c.rdr.Record()
		batch.Retain()
		select {
		case out <- batch:
			ctx.Metrics.BatchesProcessed.Add(1)
			ctx.Metrics.RowsProcessed.Add(batch.NumRows())
		case <-ctx.Done():
			batch.Release()
			return nil
		}
	}
	if err := c.rdr.Err(); err != nil {
		return fmt.Errorf("csv source %s: %w", c.path, err)
	}
	return nil
}

func (c *CSVSource) Close() error {
	if c.rdr != nil {
		c.rdr.Release()
		c.rdr = nil
	}
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}
