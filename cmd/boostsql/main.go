// Command boostsql scores categorical tables with a gradient-boosted tree
// model from SQL, runs streaming scoring pipelines and exports training
// matrices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandboxws/boostsql/pkg/duckdb"
	"github.com/sandboxws/boostsql/pkg/metrics"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every flag can also come from a
// BOOSTSQL_* environment variable or the --config file.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BOOSTSQL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "boostsql",
		Short:         "Score categorical data with boosted trees from SQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", path, err)
				}
			}
			if err := setupLogging(v.GetString("log-level")); err != nil {
				return err
			}
			if addr := v.GetString("metrics-addr"); addr != "" {
				metrics.ServeMetrics(addr)
				slog.Info("serving metrics", "addr", addr)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(
		newQueryCmd(v),
		newRunCmd(v),
		newExportTrainingCmd(v),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "boostsql v%s\n", version)
				fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
				fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
				fmt.Fprintf(cmd.OutOrStdout(), "DuckDB CSV engine: %t\n", duckdb.Available)
			},
		},
	)
	return root
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// commandContext bounds ctx by timeout when it is positive.
func commandContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
