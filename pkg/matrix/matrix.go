// Package matrix flattens one-hot encoded columns into the dense row-major
// buffers that tree-inference libraries consume.
package matrix

import (
	"errors"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"gonum.org/v1/gonum/mat"

	"github.com/sandboxws/boostsql/pkg/onehot"
)

var (
	// ErrRowCountMismatch is returned when encoded columns differ in length.
	ErrRowCountMismatch = errors.New("encoded columns have different row counts")

	// ErrRaggedColumn is returned when rows of one column have different widths.
	ErrRaggedColumn = errors.New("encoded column rows have different widths")

	// ErrEmptyMatrix is returned when building a matrix with zero rows or columns.
	ErrEmptyMatrix = errors.New("matrix has zero rows or columns")

	// ErrNullIndicator is returned when a non-null row holds a null entry or
	// a null indicator. onehot never produces one.
	ErrNullIndicator = errors.New("null indicator in a non-null row")
)

// Dense is a flattened batch: Rows*Cols indicators laid out row-major.
// Widths holds the indicator width contributed by each input column and
// Labels the concatenated label order across all columns.
type Dense struct {
	Data   []float64
	Rows   int
	Cols   int
	Widths []int
	Labels []string
}

// Flatten concatenates, for every row, the indicators of each column in
// argument order as 1.0/0.0. A null row contributes NaN in each of its
// column's slots; a null inside a non-null row is an ErrNullIndicator.
func Flatten(cols ...arrow.Array) (*Dense, error) {
	return FlattenArgs("flatten", cols)
}

// FlattenArgs is Flatten with errors attributed to the function fn, whose
// arguments cols are.
func FlattenArgs(fn string, cols []arrow.Array) (*Dense, error) {
	views := make([]onehot.Column, len(cols))
	for i, arr := range cols {
		col, err := onehot.Check(fn, i+1, arr)
		if err != nil {
			return nil, err
		}
		views[i] = col
	}

	d := &Dense{Widths: make([]int, len(views))}
	if len(views) == 0 {
		return d, nil
	}

	d.Rows = views[0].Len()
	for i, col := range views {
		if col.Len() != d.Rows {
			return nil, fmt.Errorf("%s: argument %d has %d rows, argument 1 has %d: %w",
				fn, i+1, col.Len(), d.Rows, ErrRowCountMismatch)
		}
		w, err := columnWidth(col)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", fn, i+1, err)
		}
		d.Widths[i] = w
		d.Cols += w
		d.Labels = append(d.Labels, col.Labels()...)
	}

	d.Data = make([]float64, d.Rows*d.Cols)
	for row := 0; row < d.Rows; row++ {
		pos := row * d.Cols
		for i, col := range views {
			w := d.Widths[i]
			if col.List.IsNull(row) {
				for j := 0; j < w; j++ {
					d.Data[pos+j] = math.NaN()
				}
				pos += w
				continue
			}
			start, _ := col.List.ValueOffsets(row)
			entries := col.List.ListValues()
			for j := 0; j < w; j++ {
				k := int(start) + j
				if entries.IsNull(k) || col.Values.IsNull(k) {
					return nil, fmt.Errorf("%s: argument %d row %d entry %d: %w", fn, i+1, row, j, ErrNullIndicator)
				}
				if col.Values.Value(k) {
					d.Data[pos+j] = 1
				}
			}
			pos += w
		}
	}
	return d, nil
}

// columnWidth returns the common width of the non-null rows of col.
func columnWidth(col onehot.Column) (int, error) {
	width := -1
	for row := 0; row < col.Len(); row++ {
		if col.List.IsNull(row) {
			continue
		}
		w := col.Width(row)
		if width < 0 {
			width = w
			continue
		}
		if w != width {
			return 0, fmt.Errorf("row %d has width %d, expected %d: %w", row, w, width, ErrRaggedColumn)
		}
	}
	if width < 0 {
		return 0, nil
	}
	return width, nil
}

// FromRecord flattens every column of rec in schema order.
func FromRecord(rec arrow.Record) (*Dense, error) {
	return FlattenArgs("flatten", rec.Columns())
}

// Row returns a view of row r's indicators.
func (d *Dense) Row(r int) []float64 {
	return d.Data[r*d.Cols : (r+1)*d.Cols]
}

// Matrix wraps the buffer in a gonum dense matrix without copying.
func (d *Dense) Matrix() (*mat.Dense, error) {
	if d.Rows == 0 || d.Cols == 0 {
		return nil, fmt.Errorf("%d x %d: %w", d.Rows, d.Cols, ErrEmptyMatrix)
	}
	return mat.NewDense(d.Rows, d.Cols, d.Data), nil
}
