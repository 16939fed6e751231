package matrix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/boostsql/pkg/onehot"
)

// ErrNullLabel is returned when a target row is null.
var ErrNullLabel = errors.New("null target label")

// TrainingSet pairs a flattened feature matrix with a binary label vector.
type TrainingSet struct {
	*Dense
	Targets  []float32
	Positive string
}

// NewTrainingSet flattens features and derives one label per row from the
// encoded target column: 1 where positive is the hot category, 0 otherwise.
// An empty positive selects the target's first dictionary label.
func NewTrainingSet(features arrow.Record, target arrow.Array, positive string) (*TrainingSet, error) {
	dense, err := FromRecord(features)
	if err != nil {
		return nil, err
	}

	col, err := onehot.Check("training", 1, target)
	if err != nil {
		return nil, err
	}
	if col.Len() != dense.Rows {
		return nil, fmt.Errorf("training: target has %d rows, features have %d: %w",
			col.Len(), dense.Rows, ErrRowCountMismatch)
	}
	if positive == "" {
		labels := col.Labels()
		if len(labels) == 0 {
			return nil, fmt.Errorf("training: target column has no categories")
		}
		positive = labels[0]
	}

	ts := &TrainingSet{Dense: dense, Targets: make([]float32, col.Len()), Positive: positive}
	for row := range ts.Targets {
		hot, ok := col.Hot(row)
		if !ok {
			return nil, fmt.Errorf("training: row %d: %w", row, ErrNullLabel)
		}
		if hot == positive {
			ts.Targets[row] = 1
		}
	}
	return ts, nil
}

// WriteLibSVM writes the set as "label index:value ..." lines with 0-based
// feature indices. Zero and missing (NaN) entries are omitted.
func (ts *TrainingSet) WriteLibSVM(w io.Writer) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	for row := 0; row < ts.Rows; row++ {
		buf = strconv.AppendFloat(buf[:0], float64(ts.Targets[row]), 'g', -1, 32)
		for j, v := range ts.Row(row) {
			if v == 0 || math.IsNaN(v) {
				continue
			}
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(j), 10)
			buf = append(buf, ':')
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("write libsvm row %d: %w", row, err)
		}
	}
	return bw.Flush()
}
