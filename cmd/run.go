package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/pipeline"
)

var runBudget int

var runCmd = &cobra.Command{
	Use:   "run [pipeline]",
	Short: "Run a pipeline (or all pipelines) until done or out of budget",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		budget := runBudget
		if budget == 0 {
			budget = cfg.Pipeline.DefaultBudget
		}

		pipelines := env.Orch.Pipelines()
		if len(args) == 1 {
			pipelines = args[:1]
		}

		var reports []*pipeline.RunReport
		for _, name := range pipelines {
			report, err := env.Orch.Run(ctx, name, budget)
			if report != nil {
				reports = append(reports, report)
			}
			if err != nil {
				return eris.Wrapf(err, "run pipeline %s", name)
			}
			if budget > 0 {
				budget -= report.Processed
				if budget <= 0 {
					break
				}
			}
		}

		for _, r := range reports {
			zap.L().Info("pipeline run finished",
				zap.String("pipeline", r.Pipeline),
				zap.Int("processed", r.Processed),
				zap.Bool("complete", r.Complete),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	},
}

func init() {
	runCmd.Flags().IntVar(&runBudget, "budget", 0, "max entities to process, 0 for config default, negative for unlimited")
	rootCmd.AddCommand(runCmd)
}
