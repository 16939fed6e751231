package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/connectors"
	"github.com/sandboxws/boostsql/pkg/duckdb"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/session"
)

const (
	csvEngineArrow  = "arrow"
	csvEngineDuckDB = "duckdb"
)

func newQueryCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [flags] SQL",
		Short: "Run a SELECT over CSV tables",
		Long: `Register CSV files as tables and run one SELECT over them. onehot and
predict are available alongside the built-in scalar functions.

Example:
  boostsql query --table mushrooms=data/mushrooms.csv --model model.xgb \
    "SELECT predict(onehot(arrow_cast(odor, 'Dictionary(Int32, Utf8)'))) AS score FROM mushrooms LIMIT 5"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()

			sess, err := newSession(ctx, v, memory.DefaultAllocator)
			if err != nil {
				return err
			}
			defer sess.Close()

			rec, err := sess.SQL(ctx, args[0])
			if err != nil {
				return err
			}
			defer rec.Release()
			helpers.PrintTable(cmd.OutOrStdout(), rec, v.GetInt("max-rows"))
			return nil
		},
	}

	f := cmd.Flags()
	addModelFlags(cmd)
	f.StringArray("table", nil, "register a CSV file as name=path (repeatable)")
	f.String("csv-engine", csvEngineArrow, "CSV reader: arrow or duckdb")
	f.String("delimiter", ",", "CSV field delimiter")
	f.Int("max-rows", session.PrintRows, "rows to print, 0 for all")
	f.Duration("timeout", 0, "query timeout, 0 for none")
	return cmd
}

func addModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("model", model.DefaultPath, "model file predict scores with")
	f.String("model-format", "", "model format (xgboost, lightgbm, xgboost-json); inferred from the extension when empty")
	f.Int("predict-arity", 0, "fixed number of predict arguments, 0 for any")
}

// newSession builds a session from the model flags and registers every
// --table.
func newSession(ctx context.Context, v *viper.Viper, alloc memory.Allocator) (*session.Session, error) {
	format, err := model.ParseFormat(v.GetString("model-format"))
	if err != nil {
		return nil, err
	}
	csvOpts := connectors.CSVOptions{}
	if d := []rune(v.GetString("delimiter")); len(d) == 1 {
		csvOpts.Delimiter = d[0]
	} else if len(d) > 1 {
		return nil, fmt.Errorf("delimiter %q must be one character", string(d))
	}

	sess, err := session.New(alloc,
		session.WithModelPath(v.GetString("model")),
		session.WithModelFormat(format),
		session.WithPredictArity(v.GetInt("predict-arity")),
		session.WithCSVOptions(csvOpts),
	)
	if err != nil {
		return nil, err
	}

	tables, err := parseTables(v.GetStringSlice("table"))
	if err != nil {
		sess.Close()
		return nil, err
	}
	engine := v.GetString("csv-engine")
	for _, t := range tables {
		if err := registerTable(ctx, sess, alloc, engine, t.name, t.path); err != nil {
			sess.Close()
			return nil, err
		}
		slog.Debug("registered table", "table", t.name, "path", t.path, "engine", engine)
	}
	return sess, nil
}

type tableSpec struct {
	name string
	path string
}

// parseTables splits name=path pairs.
func parseTables(specs []string) ([]tableSpec, error) {
	tables := make([]tableSpec, 0, len(specs))
	for _, s := range specs {
		name, path, ok := strings.Cut(s, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("table %q: want name=path", s)
		}
		tables = append(tables, tableSpec{name: name, path: path})
	}
	return tables, nil
}

func registerTable(ctx context.Context, sess *session.Session, alloc memory.Allocator, engine, name, path string) error {
	switch engine {
	case csvEngineArrow, "":
		return sess.RegisterCSV(ctx, name, path)
	case csvEngineDuckDB:
		inst, err := duckdb.NewInstance(alloc, 0)
		if err != nil {
			return err
		}
		defer inst.Close()
		rec, err := inst.ReadCSV(ctx, path)
		if err != nil {
			return err
		}
		defer rec.Release()
		sess.RegisterRecord(name, rec)
		return nil
	default:
		return fmt.Errorf("unknown csv engine %q", engine)
	}
}
