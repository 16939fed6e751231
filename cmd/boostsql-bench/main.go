// Command boostsql-bench times the scoring path stage by stage over a
// synthetic categorical table shaped like the mushrooms dataset: CSV read,
// dictionary cast, onehot and predict.
//
// Pipeline: CSV → arrow_cast(Dictionary) × 21 → onehot × 21 → predict
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/gzip"
	flag "github.com/spf13/pflag"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/connectors"
	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/udf"
)

// featureColumns follows the mushrooms attributes; class is the target.
var featureColumns = []string{
	"cap_shape", "cap_surface", "cap_color", "bruises", "odor",
	"gill_attachment", "gill_spacing", "gill_size", "gill_color",
	"stalk_shape", "stalk_root", "stalk_surface_above_ring", "stalk_surface_below_ring",
	"stalk_color_above_ring", "stalk_color_below_ring", "veil_type", "veil_color",
	"ring_number", "ring_type", "spore_print_color", "population",
}

// stumpDump is the default model: one split on the first indicator.
const stumpDump = `[{"nodeid":0,"split":"f0","split_condition":0.5,"yes":1,"no":2,"missing":1,
  "children":[{"nodeid":1,"leaf":-0.4},{"nodeid":2,"leaf":0.4}]}]`

func main() {
	rows := flag.Int("rows", 8124, "rows in the generated table")
	iterations := flag.Int("iterations", 20, "timed iterations per stage")
	categories := flag.Int("categories", 6, "distinct values per column")
	modelPath := flag.String("model", "", "model file; a one-split tree dump when empty")
	compress := flag.Bool("gzip", false, "gzip the generated CSV")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, *rows, *iterations, *categories, *modelPath, *compress); err != nil {
		slog.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rows, iterations, categories int, modelPath string, compress bool) error {
	if rows < 1 || iterations < 1 {
		return fmt.Errorf("rows and iterations must be positive")
	}
	if categories < 1 || categories > 26 {
		return fmt.Errorf("categories must be between 1 and 26, got %d", categories)
	}
	dir, err := os.MkdirTemp("", "boostsql-bench")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	csvPath, err := writeTable(dir, rows, categories, compress)
	if err != nil {
		return err
	}
	if modelPath == "" {
		modelPath = filepath.Join(dir, "model.json")
		if err := os.WriteFile(modelPath, []byte(stumpDump), 0o644); err != nil {
			return err
		}
	}

	alloc := helpers.NewLeakDetector(memory.NewGoAllocator())
	funcs := expr.NewRegistry()
	if err := udf.Register(funcs, udf.Config{ModelPath: modelPath, PredictArity: len(featureColumns)}); err != nil {
		return err
	}
	ev := expr.NewEvaluator(alloc, funcs)

	slog.Info("starting boostsql benchmark",
		"model", modelPath, "format", model.FormatFromPath(modelPath),
		"rows", rows, "columns", len(featureColumns), "categories", categories, "iterations", iterations)

	var (
		table   arrow.Record
		encoded []arrow.Array
	)
	stages := []struct {
		name string
		fn   func() error
	}{
		{"read", func() error {
			if table != nil {
				table.Release()
			}
			table, err = connectors.ReadCSV(ctx, alloc, csvPath, connectors.CSVOptions{})
			return err
		}},
		{"cast", func() error {
			for _, c := range featureColumns {
				arr, err := ev.Eval(ctx, table, castExpr(c))
				if err != nil {
					return err
				}
				arr.Release()
			}
			return nil
		}},
		{"onehot", func() error {
			releaseAll(encoded)
			encoded = encoded[:0]
			for _, c := range featureColumns {
				arr, err := ev.Eval(ctx, table, "onehot("+castExpr(c)+")")
				if err != nil {
					return err
				}
				encoded = append(encoded, arr)
			}
			return nil
		}},
		{"predict", func() error {
			scores, err := ev.Eval(ctx, table, predictExpr())
			if err != nil {
				return err
			}
			scores.Release()
			return nil
		}},
	}

	for _, stage := range stages {
		var total time.Duration
		for i := 0; i < iterations; i++ {
			if ctx.Err() != nil {
				slog.Info("benchmark stopped")
				return cleanup(alloc, table, encoded)
			}
			start := time.Now()
			if err := stage.fn(); err != nil {
				return fmt.Errorf("%s: %w", stage.name, err)
			}
			total += time.Since(start)
		}
		avg := total / time.Duration(iterations)
		slog.Info("stage",
			"name", stage.name,
			"avg", avg,
			"rows/sec", int64(float64(rows)/avg.Seconds()),
			"arrow_bytes", alloc.CurrentUsed(),
			"arrow_peak_bytes", alloc.Peak())
	}
	return cleanup(alloc, table, encoded)
}

// cleanup releases the retained results and fails if any Arrow memory is
// still outstanding.
func cleanup(alloc *helpers.LeakDetector, table arrow.Record, encoded []arrow.Array) error {
	releaseAll(encoded)
	if table != nil {
		table.Release()
	}
	return alloc.Check()
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}

func castExpr(col string) string {
	return "arrow_cast(" + col + ", 'Dictionary(Int32, Utf8)')"
}

func predictExpr() string {
	args := make([]string, len(featureColumns))
	for i, c := range featureColumns {
		args[i] = "onehot(" + castExpr(c) + ")"
	}
	return "predict(" + strings.Join(args, ", ") + ")"
}

// writeTable writes a class column plus every feature column with values
// drawn from the first n lowercase letters.
func writeTable(dir string, rows, n int, compress bool) (string, error) {
	name := "mushrooms.csv"
	if compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	rng := rand.New(rand.NewPCG(1, 2))
	if _, err := io.WriteString(w, "class," + strings.Join(featureColumns, ",") + "\n"); err != nil {
		return "", err
	}
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		sb.Reset()
		sb.WriteString([]string{"p", "e"}[rng.IntN(2)])
		for range featureColumns {
			sb.WriteByte(',')
			sb.WriteByte(byte('a' + rng.IntN(n)))
		}
		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return "", err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", err
		}
	}
	return path, nil
}
