package helpers

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// FormatValue renders arr[row] for display. Lists print as [a, b], structs as
// {name: value, ...} and dictionary values print their decoded label.
func FormatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Int16:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Int8:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Uint8:
		return strconv.FormatUint(uint64(a.Value(row)), 10)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(row), 'f', -1, 64)
	case *array.Float32:
		return strconv.FormatFloat(float64(a.Value(row)), 'f', -1, 32)
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	case *array.Dictionary:
		return FormatValue(a.Dictionary(), a.GetValueIndex(row))
	case *array.List:
		start, end := a.ValueOffsets(row)
		values := a.ListValues()
		parts := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			parts = append(parts, FormatValue(values, int(i)))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *array.Struct:
		st := a.DataType().(*arrow.StructType)
		parts := make([]string, a.NumField())
		for i := 0; i < a.NumField(); i++ {
			parts[i] = st.Field(i).Name + ": " + FormatValue(a.Field(i), row)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return a.ValueStr(row)
	}
}

// PrintTable writes batch to w as a bordered table. maxRows <= 0 prints every row.
func PrintTable(w io.Writer, batch arrow.Record, maxRows int) {
	schema := batch.Schema()
	numCols := schema.NumFields()
	numRows := int(batch.NumRows())
	if maxRows > 0 && numRows > maxRows {
		numRows = maxRows
	}

	cells := make([][]string, numRows)
	widths := make([]int, numCols)
	for col := 0; col < numCols; col++ {
		widths[col] = len(schema.Field(col).Name)
	}
	for row := 0; row < numRows; row++ {
		cells[row] = make([]string, numCols)
		for col := 0; col < numCols; col++ {
			v := FormatValue(batch.Column(col), row)
			cells[row][col] = v
			if len(v) > widths[col] {
				widths[col] = len(v)
			}
		}
	}

	border := borderLine(widths)
	header := make([]string, numCols)
	for col := 0; col < numCols; col++ {
		header[col] = schema.Field(col).Name
	}

	fmt.Fprintln(w, border)
	fmt.Fprintln(w, tableRow(header, widths))
	fmt.Fprintln(w, border)
	for _, r := range cells {
		fmt.Fprintln(w, tableRow(r, widths))
	}
	fmt.Fprintln(w, border)

	if int(batch.NumRows()) > numRows {
		fmt.Fprintf(w, "... (%d more rows)\n", int(batch.NumRows())-numRows)
	}
}

func borderLine(widths []int) string {
	var sb strings.Builder
	sb.WriteString("+")
	for _, w := range widths {
		sb.WriteString(strings.Repeat("-", w+2))
		sb.WriteString("+")
	}
	return sb.String()
}

func tableRow(values []string, widths []int) string {
	var sb strings.Builder
	sb.WriteString("|")
	for i, v := range values {
		sb.WriteString(" ")
		sb.WriteString(v)
		sb.WriteString(strings.Repeat(" ", widths[i]-len(v)))
		sb.WriteString(" |")
	}
	return sb.String()
}
