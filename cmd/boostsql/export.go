package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/connectors"
	"github.com/sandboxws/boostsql/pkg/matrix"
	"github.com/sandboxws/boostsql/pkg/session"
)

const trainingTable = "training"

func newExportTrainingCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-training [flags] CSV",
		Short: "One-hot encode a categorical CSV into a LibSVM training file",
		Long: `Encode every column of a categorical CSV with onehot and write the
flattened rows in LibSVM format, labelled from the target column. The label
is 1 where the target equals --positive, which defaults to the target's
first category.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if path := v.GetString("output"); path != "" && path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return exportTraining(cmd.Context(), v, args[0], out)
		},
	}

	f := cmd.Flags()
	f.String("target", "class", "target column")
	f.String("positive", "", "target category labelled 1")
	f.StringP("output", "o", "", "output file, stdout when empty")
	f.String("csv-engine", csvEngineArrow, "CSV reader: arrow or duckdb")
	f.String("delimiter", ",", "CSV field delimiter")
	return cmd
}

func exportTraining(ctx context.Context, v *viper.Viper, path string, w io.Writer) error {
	alloc := memory.DefaultAllocator
	opts := connectors.CSVOptions{}
	if d := []rune(v.GetString("delimiter")); len(d) == 1 {
		opts.Delimiter = d[0]
	}
	sess, err := session.New(alloc, session.WithCSVOptions(opts))
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := registerTable(ctx, sess, alloc, v.GetString("csv-engine"), trainingTable, path); err != nil {
		return err
	}

	head, err := sess.SQL(ctx, "SELECT * FROM "+trainingTable+" LIMIT 0")
	if err != nil {
		return err
	}
	columns := make([]string, head.NumCols())
	for i := range columns {
		columns[i] = head.ColumnName(i)
	}
	head.Release()

	target := v.GetString("target")
	encoded, err := sess.SQL(ctx, encodeQuery(trainingTable, columns))
	if err != nil {
		return err
	}
	defer encoded.Release()

	targetCol, err := helpers.Column(encoded, target)
	if err != nil {
		return err
	}
	var featureNames []string
	for _, c := range columns {
		if c != target {
			featureNames = append(featureNames, c)
		}
	}
	features, err := helpers.Project(encoded, featureNames...)
	if err != nil {
		return err
	}
	defer features.Release()

	ts, err := matrix.NewTrainingSet(features, targetCol, v.GetString("positive"))
	if err != nil {
		return err
	}

	if err := ts.WriteLibSVM(w); err != nil {
		return err
	}
	slog.Info("exported training set",
		"rows", ts.Rows, "features", ts.Cols, "target", target, "positive", ts.Positive)
	return nil
}

// encodeQuery selects onehot(arrow_cast(c, 'Dictionary(Int32, Utf8)')) for
// every column, keeping the column names.
func encodeQuery(table string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		id := quoteIdent(c)
		parts[i] = fmt.Sprintf("onehot(arrow_cast(%s, 'Dictionary(Int32, Utf8)')) AS %s", id, id)
	}
	return "SELECT " + strings.Join(parts, ", ") + " FROM " + quoteIdent(table)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
