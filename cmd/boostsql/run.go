package main

import (
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandboxws/boostsql/pkg/engine"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] PLAN",
		Short: "Run a streaming scoring pipeline from a YAML plan",
		Long: `Run a pipeline of sources, operators and sinks described by a YAML plan.
${VAR} and ${VAR:-default} references in the plan are read from the
environment. SIGINT or SIGTERM stops the sources and drains the pipeline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := engine.LoadPlan(args[0])
			if err != nil {
				return err
			}
			if err := engine.ValidatePlan(plan); err != nil {
				return err
			}
			if path := v.GetString("model"); path != "" {
				plan.Model.Path = path
			}

			slog.Info("loaded pipeline plan",
				"pipeline", plan.PipelineName,
				"operators", len(plan.Operators),
				"edges", len(plan.Edges),
				"model", plan.Model.Path,
			)

			eng := engine.NewEngine(plan, memory.DefaultAllocator, engine.DefaultFactory)
			return engine.RunWithGracefulShutdown(cmd.Context(), eng, v.GetDuration("shutdown-timeout"))
		},
	}

	cmd.Flags().String("model", "", "override the plan's model path")
	cmd.Flags().Duration("shutdown-timeout", 0, "time to drain after a shutdown signal (default 30s)")
	return cmd
}
